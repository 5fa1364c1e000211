// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package upload

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// recordingNotifier counts terminal notifications per file.
type recordingNotifier struct {
	mu    sync.Mutex
	fired map[string]int
	last  map[string]FileProgress
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{fired: make(map[string]int), last: make(map[string]FileProgress)}
}

func (n *recordingNotifier) FileResolved(sessionID string, file FileProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fired[file.FileID]++
	n.last[file.FileID] = file
}

func (n *recordingNotifier) count(fileID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fired[fileID]
}

// recordingInvalidator counts read-view invalidations per event.
type recordingInvalidator struct {
	mu     sync.Mutex
	events []string
}

func (i *recordingInvalidator) InvalidateEvent(eventID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, eventID)
	return nil
}

func (i *recordingInvalidator) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.events)
}

func newTestTracker(opts ...TrackerOption) (*Tracker, *fakeClock, *recordingNotifier, *recordingInvalidator) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	notifier := newRecordingNotifier()
	inv := &recordingInvalidator{}
	base := []TrackerOption{
		WithTrackerClock(clock.now),
		WithNotifier(notifier),
		WithInvalidator(inv),
	}
	t := NewTracker(append(base, opts...)...)
	return t, clock, notifier, inv
}

func seedSession(tr *Tracker) {
	tr.CreateSession("s1", "evt-1", "guest-9", "guest", []FileSeed{
		{FileID: "f1", Name: "beach.jpg"},
		{FileID: "f2", Name: "cake.jpg"},
	})
}

func update(fileID string, stage Stage, pct float64, ts time.Time) ProgressUpdate {
	return ProgressUpdate{SessionID: "s1", FileID: fileID, Stage: stage, Percentage: pct, Timestamp: ts}
}

func TestCreateSessionSeedsQueued(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	seedSession(tr)

	sum, ok := tr.Summary("s1")
	if !ok {
		t.Fatal("session not found")
	}
	if sum.Queued != 2 || sum.Percentage != 0 || sum.FullyResolved {
		t.Errorf("unexpected seed summary: %+v", sum)
	}
}

func TestPercentageNeverDecreases(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)

	ts1 := clock.t.Add(time.Second)
	if !tr.ApplyProgress(update("f1", StageProcessing, 40, ts1)) {
		t.Fatal("first update should be accepted")
	}

	// Stale re-delivery at 20% with the same timestamp: rejected.
	if tr.ApplyProgress(update("f1", StageProcessing, 20, ts1)) {
		t.Error("same-timestamp re-delivery should be rejected")
	}
	// And at an earlier timestamp: rejected.
	if tr.ApplyProgress(update("f1", StageProcessing, 20, ts1.Add(-time.Second))) {
		t.Error("earlier-timestamp re-delivery should be rejected")
	}

	f, _ := tr.File("s1", "f1")
	if f.Percentage != 40 {
		t.Errorf("percentage = %v, want 40", f.Percentage)
	}

	// A newer event with a lower percentage advances the clock but
	// keeps the maximum.
	if !tr.ApplyProgress(update("f1", StageProcessing, 30, ts1.Add(time.Second))) {
		t.Error("newer event should be accepted")
	}
	f, _ = tr.File("s1", "f1")
	if f.Percentage != 40 {
		t.Errorf("percentage after newer-lower event = %v, want 40", f.Percentage)
	}
}

func TestStageNeverRegresses(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)

	if !tr.ApplyProgress(update("f1", StageProcessing, 50, clock.t.Add(time.Second))) {
		t.Fatal("processing update should be accepted")
	}
	if tr.ApplyProgress(update("f1", StageUploading, 90, clock.t.Add(2*time.Second))) {
		t.Error("stage regression should be rejected even with a newer timestamp")
	}

	f, _ := tr.File("s1", "f1")
	if f.Stage != StageProcessing {
		t.Errorf("stage = %v, want processing", f.Stage)
	}
}

func TestTerminalNotificationFiresExactlyOnce(t *testing.T) {
	tr, clock, notifier, inv := newTestTracker()
	seedSession(tr)

	ts := clock.t.Add(time.Second)
	if !tr.ApplyProgress(update("f1", StageCompleted, 100, ts)) {
		t.Fatal("completion should be accepted")
	}

	// Repeated terminal events, later timestamps: all no-ops.
	if tr.ApplyProgress(update("f1", StageCompleted, 100, ts.Add(time.Second))) {
		t.Error("repeated completion should be a no-op")
	}
	if tr.ApplyProgress(update("f1", StageFailed, 0, ts.Add(2*time.Second))) {
		t.Error("failure after completion should be a no-op")
	}

	if got := notifier.count("f1"); got != 1 {
		t.Errorf("notification fired %d times, want exactly 1", got)
	}
	if inv.count() != 1 {
		t.Errorf("read-view invalidation fired %d times, want 1", inv.count())
	}

	f, _ := tr.File("s1", "f1")
	if f.Stage != StageCompleted || f.Percentage != 100 {
		t.Errorf("terminal state = %+v", f)
	}
}

func TestFailureIsolatedToFile(t *testing.T) {
	tr, clock, notifier, _ := newTestTracker()
	seedSession(tr)

	ts := clock.t.Add(time.Second)
	if !tr.ApplyProgress(ProgressUpdate{
		SessionID: "s1", FileID: "f1", Stage: StageFailed,
		Error: "unsupported codec", Timestamp: ts,
	}) {
		t.Fatal("failure should be accepted")
	}

	f, _ := tr.File("s1", "f1")
	if f.Stage != StageFailed || f.Error != "unsupported codec" {
		t.Errorf("failed file = %+v", f)
	}
	if notifier.count("f1") != 1 {
		t.Errorf("failure notification count = %d, want 1", notifier.count("f1"))
	}

	// Sibling is untouched and the session is not resolved.
	f2, _ := tr.File("s1", "f2")
	if f2.Stage != StageQueued {
		t.Errorf("sibling stage = %v, want queued", f2.Stage)
	}
	sum, _ := tr.Summary("s1")
	if sum.FullyResolved {
		t.Error("session should not be fully resolved with f2 pending")
	}
}

func TestSummaryAggregation(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)

	ts := clock.t.Add(time.Second)
	tr.ApplyProgress(update("f1", StageCompleted, 100, ts))
	tr.ApplyProgress(update("f2", StageUploading, 50, ts))

	sum, _ := tr.Summary("s1")
	if sum.Completed != 1 || sum.Uploading != 1 {
		t.Errorf("counts = %+v", sum)
	}
	if sum.Percentage != 75 {
		t.Errorf("mean percentage = %v, want 75", sum.Percentage)
	}
	if sum.FullyResolved {
		t.Error("session should not be fully resolved")
	}

	tr.ApplyProgress(update("f2", StageFailed, 50, ts.Add(time.Second)))
	sum, _ = tr.Summary("s1")
	if !sum.FullyResolved {
		t.Error("session should be fully resolved once every file is terminal")
	}
}

func TestSessionRecreationResetsFiles(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)

	tr.ApplyProgress(update("f1", StageProcessing, 80, clock.t.Add(time.Second)))

	// A new batch reuses the session id and file id: explicit reset.
	clock.advance(time.Minute)
	seedSession(tr)

	f, _ := tr.File("s1", "f1")
	if f.Stage != StageQueued || f.Percentage != 0 {
		t.Errorf("recreated file = %+v, want queued at 0%%", f)
	}
}

func TestUnresolvedAndSweep(t *testing.T) {
	tr, clock, _, _ := newTestTracker(WithGrace(30 * time.Second))
	seedSession(tr)

	if got := len(tr.Unresolved()); got != 2 {
		t.Fatalf("unresolved = %d, want 2", got)
	}

	ts := clock.t.Add(time.Second)
	tr.ApplyProgress(update("f1", StageCompleted, 100, ts))
	tr.ApplyProgress(update("f2", StageCompleted, 100, ts))

	if got := len(tr.Unresolved()); got != 0 {
		t.Fatalf("unresolved after completion = %d, want 0", got)
	}

	// Within the grace period the session is retained.
	if removed := tr.Sweep(); removed != 0 {
		t.Errorf("sweep inside grace removed %d sessions", removed)
	}

	clock.advance(time.Minute)
	if removed := tr.Sweep(); removed != 1 {
		t.Errorf("sweep after grace removed %d sessions, want 1", removed)
	}
	if _, ok := tr.Summary("s1"); ok {
		t.Error("archived session should be gone")
	}
}

func TestProgressForUnknownSessionDropped(t *testing.T) {
	tr, clock, _, _ := newTestTracker()

	if tr.ApplyProgress(update("f1", StageUploading, 10, clock.t.Add(time.Second))) {
		t.Error("progress for unknown session should be dropped")
	}
}
