// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package upload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/snapgather/snapgather-go/internal/rest"
)

// fakeFetcher serves canned status snapshots and records queried ids.
type fakeFetcher struct {
	mu       sync.Mutex
	statuses map[string]rest.MediaStatus
	queried  [][]string
	err      error
}

func (f *fakeFetcher) BatchStatus(ctx context.Context, mediaIDs []string) (*rest.BatchStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, mediaIDs)
	if f.err != nil {
		return nil, f.err
	}
	var resp rest.BatchStatusResponse
	for _, id := range mediaIDs {
		if st, ok := f.statuses[id]; ok {
			resp.Statuses = append(resp.Statuses, st)
		}
	}
	return &resp, nil
}

func TestReconcileOnceAppliesSnapshots(t *testing.T) {
	tr, clock, notifier, _ := newTestTracker()
	seedSession(tr)

	fetcher := &fakeFetcher{statuses: map[string]rest.MediaStatus{
		"f1": {MediaID: "f1", Stage: "completed", Percentage: 100, UpdatedAt: clock.t.Add(5 * time.Second)},
		"f2": {MediaID: "f2", Stage: "processing", Percentage: 30, UpdatedAt: clock.t.Add(5 * time.Second)},
	}}

	r := NewReconciler(tr, fetcher, time.Second, 100)
	r.ReconcileOnce(context.Background())

	f1, _ := tr.File("s1", "f1")
	if f1.Stage != StageCompleted {
		t.Errorf("f1 stage = %v, want completed", f1.Stage)
	}
	f2, _ := tr.File("s1", "f2")
	if f2.Stage != StageProcessing || f2.Percentage != 30 {
		t.Errorf("f2 = %+v", f2)
	}
	if notifier.count("f1") != 1 {
		t.Errorf("terminal notification via polling fired %d times, want 1", notifier.count("f1"))
	}
}

func TestReconcileLastWriteWins(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)

	// A push event arrived at t+10s; the poll snapshot is older.
	pushTS := clock.t.Add(10 * time.Second)
	tr.ApplyProgress(update("f1", StageProcessing, 60, pushTS))

	fetcher := &fakeFetcher{statuses: map[string]rest.MediaStatus{
		"f1": {MediaID: "f1", Stage: "uploading", Percentage: 20, UpdatedAt: clock.t.Add(5 * time.Second)},
	}}

	r := NewReconciler(tr, fetcher, time.Second, 100)
	r.ReconcileOnce(context.Background())

	f1, _ := tr.File("s1", "f1")
	if f1.Stage != StageProcessing || f1.Percentage != 60 {
		t.Errorf("stale poll snapshot should lose to newer push state, got %+v", f1)
	}
}

func TestReconcileSkipsWhenNothingUnresolved(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)
	ts := clock.t.Add(time.Second)
	tr.ApplyProgress(update("f1", StageCompleted, 100, ts))
	tr.ApplyProgress(update("f2", StageFailed, 0, ts))

	fetcher := &fakeFetcher{}
	r := NewReconciler(tr, fetcher, time.Second, 100)
	r.ReconcileOnce(context.Background())

	if len(fetcher.queried) != 0 {
		t.Errorf("no poll should be issued with nothing unresolved, got %d", len(fetcher.queried))
	}
}

func TestReconcilePollFailureLeavesStateUntouched(t *testing.T) {
	tr, clock, _, _ := newTestTracker()
	seedSession(tr)
	tr.ApplyProgress(update("f1", StageUploading, 40, clock.t.Add(time.Second)))

	fetcher := &fakeFetcher{err: errors.New("api down")}
	r := NewReconciler(tr, fetcher, time.Second, 100)
	r.ReconcileOnce(context.Background())

	f1, _ := tr.File("s1", "f1")
	if f1.Stage != StageUploading || f1.Percentage != 40 {
		t.Errorf("state should be untouched on poll failure, got %+v", f1)
	}
}

func TestReconcileChunksBatches(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	seeds := make([]FileSeed, 5)
	for i := range seeds {
		seeds[i] = FileSeed{FileID: string(rune('a' + i)), Name: "f"}
	}
	tr.CreateSession("s1", "evt-1", "admin-1", "admin", seeds)

	fetcher := &fakeFetcher{}
	r := NewReconciler(tr, fetcher, time.Second, 2)
	r.ReconcileOnce(context.Background())

	if len(fetcher.queried) != 3 {
		t.Errorf("expected 3 chunked polls for 5 files with cap 2, got %d", len(fetcher.queried))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tr, _, _, _ := newTestTracker()
	fetcher := &fakeFetcher{}
	r := NewReconciler(tr, fetcher, 10*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
