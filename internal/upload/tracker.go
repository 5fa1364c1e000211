// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package upload tracks the multi-stage lifecycle of in-flight uploads
// per file and per session.
//
// Sessions are seeded when an upload batch starts and fed by inbound
// (already deduplicated) progress events. The deduplicator absorbs
// exact repeats but not stale reorderings, so the tracker additionally
// enforces monotonic last-updated ordering per file. A reconciliation
// poller (reconcile.go) feeds the same path from the batch status
// endpoint when the real-time channel is degraded; last write wins on
// timestamp either way.
package upload

import (
	"sync"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
)

// Stage is a file's position in the upload lifecycle.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageUploading  Stage = "uploading"
	StageUploaded   Stage = "uploaded"
	StageProcessing Stage = "processing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the stage is final.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// rank orders stages for forward-only transitions. Failed is reachable
// from any non-terminal stage.
func (s Stage) rank() int {
	switch s {
	case StageQueued:
		return 0
	case StageUploading:
		return 1
	case StageUploaded:
		return 2
	case StageProcessing:
		return 3
	case StageCompleted, StageFailed:
		return 4
	default:
		return -1
	}
}

// FileProgress is one file's recorded state within a session.
type FileProgress struct {
	FileID     string
	Name       string
	Stage      Stage
	Percentage float64
	Error      string
	UpdatedAt  time.Time
}

// FileSeed names a file when a session is created.
type FileSeed struct {
	FileID string
	Name   string
}

// ProgressUpdate is one inbound progress event after deduplication.
type ProgressUpdate struct {
	SessionID  string
	FileID     string
	Stage      Stage
	Percentage float64
	Error      string
	Timestamp  time.Time
}

// Summary aggregates a session's per-file state.
type Summary struct {
	SessionID     string
	EventID       string
	Queued        int
	Uploading     int
	Uploaded      int
	Processing    int
	Completed     int
	Failed        int
	Percentage    float64
	FullyResolved bool
}

// session is one tracked upload batch.
type session struct {
	id          string
	eventID     string
	actorID     string
	actorType   string
	createdAt   time.Time
	completedAt time.Time // zero until fully resolved

	files map[string]*FileProgress
	order []string

	// Terminal-once guards: a repeated terminal event for the same file
	// is a no-op, including its notification.
	resolved map[string]bool
}

// Notifier receives the one-time per-file notification when a file
// reaches a terminal stage.
type Notifier interface {
	FileResolved(sessionID string, file FileProgress)
}

// Invalidator drops cached read-views for an event after a terminal
// transition so subsequent reads reflect the new state. Implemented by
// store.Store.
type Invalidator interface {
	InvalidateEvent(eventID string) error
}

// UnresolvedFile identifies a non-terminal file for reconciliation.
type UnresolvedFile struct {
	SessionID string
	FileID    string
}

// Tracker owns all upload sessions in the process.
type Tracker struct {
	mu          sync.Mutex
	sessions    map[string]*session
	notifier    Notifier
	invalidator Invalidator
	grace       time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// DefaultGrace is how long a fully resolved session is retained before
// Sweep archives it.
const DefaultGrace = time.Minute

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithNotifier registers the terminal-transition notification sink.
func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) { t.notifier = n }
}

// WithInvalidator registers the read-view cache invalidator.
func WithInvalidator(inv Invalidator) TrackerOption {
	return func(t *Tracker) { t.invalidator = inv }
}

// WithGrace overrides the post-resolution retention period.
func WithGrace(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.grace = d }
}

// WithTrackerClock overrides the time source. Test hook.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		sessions: make(map[string]*session),
		grace:    DefaultGrace,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateSession seeds a new session with every file queued at 0%.
// Recreating a session id resets its files, which is the one sanctioned
// way a file's percentage may go back to zero.
func (t *Tracker) CreateSession(sessionID, eventID, actorID, actorType string, files []FileSeed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := &session{
		id:        sessionID,
		eventID:   eventID,
		actorID:   actorID,
		actorType: actorType,
		createdAt: now,
		files:     make(map[string]*FileProgress, len(files)),
		order:     make([]string, 0, len(files)),
		resolved:  make(map[string]bool),
	}
	for _, f := range files {
		s.files[f.FileID] = &FileProgress{
			FileID:    f.FileID,
			Name:      f.Name,
			Stage:     StageQueued,
			UpdatedAt: now,
		}
		s.order = append(s.order, f.FileID)
	}
	t.sessions[sessionID] = s
	metrics.UploadSessionsActive.Set(float64(t.unresolvedSessionsLocked()))

	logging.Info().
		Str("session", sessionID).
		Str("event", eventID).
		Int("files", len(files)).
		Msg("upload session created")
}

// ApplyProgress applies one deduplicated progress event. Returns true
// if the update was accepted, false if it was rejected as stale, out of
// order, or unknown.
func (t *Tracker) ApplyProgress(u ProgressUpdate) bool {
	t.mu.Lock()

	s, ok := t.sessions[u.SessionID]
	if !ok {
		t.mu.Unlock()
		logging.Debug().Str("session", u.SessionID).Msg("progress for unknown session dropped")
		return false
	}
	f, ok := s.files[u.FileID]
	if !ok {
		t.mu.Unlock()
		logging.Debug().Str("session", u.SessionID).Str("file", u.FileID).Msg("progress for unknown file dropped")
		return false
	}

	// Residual reordering guard: anything at or before the recorded
	// last-updated timestamp is stale.
	if !u.Timestamp.After(f.UpdatedAt) {
		t.mu.Unlock()
		return false
	}

	// Terminal stages are latched; the resolved guard also makes a
	// repeated terminal event's notification a no-op.
	if s.resolved[u.FileID] {
		t.mu.Unlock()
		return false
	}

	newRank := u.Stage.rank()
	if newRank < 0 {
		t.mu.Unlock()
		logging.Warn().Str("stage", string(u.Stage)).Msg("progress with unknown stage dropped")
		return false
	}

	// Failed is reachable from any non-terminal stage; other stages
	// only move forward.
	if u.Stage != StageFailed && newRank < f.Stage.rank() {
		t.mu.Unlock()
		return false
	}

	f.Stage = u.Stage
	f.UpdatedAt = u.Timestamp

	// Percentage never decreases for a file once set; a lower value on
	// a newer event still advances the timestamp but keeps the maximum.
	switch {
	case u.Stage == StageCompleted:
		f.Percentage = 100
	case u.Percentage > f.Percentage:
		f.Percentage = u.Percentage
	}
	if u.Error != "" {
		f.Error = u.Error
	}

	var resolvedFile *FileProgress
	if u.Stage.Terminal() {
		s.resolved[u.FileID] = true
		metrics.UploadFilesTerminal.WithLabelValues(string(u.Stage)).Inc()
		cp := *f
		resolvedFile = &cp

		if t.allTerminalLocked(s) && s.completedAt.IsZero() {
			s.completedAt = t.now()
			logging.Info().
				Str("session", s.id).
				Str("event", s.eventID).
				Msg("upload session fully resolved")
		}
		metrics.UploadSessionsActive.Set(float64(t.unresolvedSessionsLocked()))
	}
	eventID := s.eventID
	sessionID := s.id
	t.mu.Unlock()

	// Side effects run outside the lock: invalidate cached read-views,
	// then the one-time per-file notification.
	if resolvedFile != nil {
		if t.invalidator != nil {
			if err := t.invalidator.InvalidateEvent(eventID); err != nil {
				logging.Err(err).Str("event", eventID).Msg("failed to invalidate media read-views")
			}
		}
		if t.notifier != nil {
			t.notifier.FileResolved(sessionID, *resolvedFile)
		}
	}
	return true
}

// File returns a copy of one file's recorded progress.
func (t *Tracker) File(sessionID, fileID string) (FileProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return FileProgress{}, false
	}
	f, ok := s.files[fileID]
	if !ok {
		return FileProgress{}, false
	}
	return *f, true
}

// Summary aggregates the session's per-file state. The overall
// percentage is the mean of per-file percentages.
func (t *Tracker) Summary(sessionID string) (Summary, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return Summary{}, false
	}

	sum := Summary{SessionID: s.id, EventID: s.eventID}
	var pctTotal float64
	for _, id := range s.order {
		f := s.files[id]
		pctTotal += f.Percentage
		switch f.Stage {
		case StageQueued:
			sum.Queued++
		case StageUploading:
			sum.Uploading++
		case StageUploaded:
			sum.Uploaded++
		case StageProcessing:
			sum.Processing++
		case StageCompleted:
			sum.Completed++
		case StageFailed:
			sum.Failed++
		}
	}
	if len(s.order) > 0 {
		sum.Percentage = pctTotal / float64(len(s.order))
	}
	sum.FullyResolved = t.allTerminalLocked(s)
	return sum, true
}

// Unresolved lists every non-terminal file across sessions, for the
// reconciliation poller.
func (t *Tracker) Unresolved() []UnresolvedFile {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []UnresolvedFile
	for _, s := range t.sessions {
		for _, id := range s.order {
			if !s.files[id].Stage.Terminal() {
				out = append(out, UnresolvedFile{SessionID: s.id, FileID: id})
			}
		}
	}
	return out
}

// Sweep archives sessions that have been fully resolved for longer
// than the grace period. Returns the number of sessions removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for id, s := range t.sessions {
		if !s.completedAt.IsZero() && now.Sub(s.completedAt) >= t.grace {
			delete(t.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.UploadSessionsActive.Set(float64(t.unresolvedSessionsLocked()))
		logging.Debug().Int("removed", removed).Msg("archived resolved upload sessions")
	}
	return removed
}

// allTerminalLocked reports whether every file in s is terminal.
func (t *Tracker) allTerminalLocked(s *session) bool {
	for _, f := range s.files {
		if !f.Stage.Terminal() {
			return false
		}
	}
	return len(s.files) > 0
}

// unresolvedSessionsLocked counts sessions that are not fully resolved.
func (t *Tracker) unresolvedSessionsLocked() int {
	n := 0
	for _, s := range t.sessions {
		if s.completedAt.IsZero() {
			n++
		}
	}
	return n
}
