// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package moderation batches outbound status changes (approve, reject,
// hide) so rapid sequential single-item actions collapse into one
// network call per (status, reason) group instead of one per click.
package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
	"github.com/snapgather/snapgather-go/internal/rest"
)

// DefaultDebounce is how long the batch window stays open after the
// most recent enqueue.
const DefaultDebounce = 500 * time.Millisecond

// DefaultMaxBatch caps the ids carried by one network call.
const DefaultMaxBatch = 500

// Statuser issues bulk status updates. Implemented by rest.Client and
// rest.BreakerClient.
type Statuser interface {
	UpdateStatus(ctx context.Context, mediaIDs []string, status, reason string) (*rest.UpdateStatusResponse, error)
}

// FlushError reports a grouped network call that failed. The affected
// ids are reported back as a group; nothing retries silently.
type FlushError struct {
	Status   string
	Reason   string
	MediaIDs []string
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("failed to update %d media items to %q: %v", len(e.MediaIDs), e.Status, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// group is one unflushed (status, reason) batch. While the window is
// open, repeated enqueues union their ids here; once flushed, the
// merged set becomes a single request.
type group struct {
	status string
	reason string
	ids    map[string]struct{}
}

// Batcher debounces and groups outbound moderation actions.
type Batcher struct {
	api      Statuser
	debounce time.Duration
	maxBatch int
	onError  func(*FlushError)

	mu      sync.Mutex
	pending map[string]*group
	timer   *time.Timer
	closed  bool
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithDebounce overrides the batch window.
func WithDebounce(d time.Duration) Option {
	return func(b *Batcher) { b.debounce = d }
}

// WithMaxBatch overrides the per-call id cap.
func WithMaxBatch(n int) Option {
	return func(b *Batcher) { b.maxBatch = n }
}

// WithErrorHandler registers the callback that receives FlushErrors
// for user-facing messaging.
func WithErrorHandler(fn func(*FlushError)) Option {
	return func(b *Batcher) { b.onError = fn }
}

// NewBatcher creates a Batcher flushing through api.
func NewBatcher(api Statuser, opts ...Option) *Batcher {
	b := &Batcher{
		api:      api,
		debounce: DefaultDebounce,
		maxBatch: DefaultMaxBatch,
		pending:  make(map[string]*group),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// groupKey merges operations with the same status and reason.
func groupKey(status, reason string) string {
	return status + "\x00" + reason
}

// Enqueue merges media ids into the pending group for (status, reason)
// and re-arms the debounce timer. Ids already pending under the same
// key are deduplicated.
func (b *Batcher) Enqueue(mediaIDs []string, status, reason string) {
	if len(mediaIDs) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	key := groupKey(status, reason)
	g, ok := b.pending[key]
	if !ok {
		g = &group{status: status, reason: reason, ids: make(map[string]struct{})}
		b.pending[key] = g
	}
	for _, id := range mediaIDs {
		g.ids[id] = struct{}{}
	}

	// Reset the window on every enqueue.
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, b.Flush)
}

// ExecuteImmediately bypasses the queue for explicit multi-select bulk
// actions, issuing the network call at once.
func (b *Batcher) ExecuteImmediately(ctx context.Context, mediaIDs []string, status, reason string) (*rest.UpdateStatusResponse, error) {
	resp, err := b.api.UpdateStatus(ctx, mediaIDs, status, reason)
	if err != nil {
		metrics.BatchFlushErrors.Inc()
		return nil, &FlushError{Status: status, Reason: reason, MediaIDs: mediaIDs, Err: err}
	}
	metrics.BatchesFlushed.Inc()
	metrics.BatchedMediaIDs.Add(float64(len(mediaIDs)))
	return resp, nil
}

// Flush sends every pending group as one network call per group and
// clears the queue. Called by the debounce timer; safe to call
// directly (e.g. on shutdown).
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	groups := b.pending
	b.pending = make(map[string]*group)
	b.mu.Unlock()

	for _, g := range groups {
		b.flushGroup(g)
	}
}

// flushGroup issues the merged request for one group.
func (b *Batcher) flushGroup(g *group) {
	ids := make([]string, 0, len(g.ids))
	for id := range g.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for start := 0; start < len(ids); start += b.maxBatch {
		end := min(start+b.maxBatch, len(ids))
		chunk := ids[start:end]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		resp, err := b.api.UpdateStatus(ctx, chunk, g.status, g.reason)
		cancel()

		if err != nil {
			metrics.BatchFlushErrors.Inc()
			ferr := &FlushError{Status: g.status, Reason: g.reason, MediaIDs: chunk, Err: err}
			logging.Err(err).
				Str("status", g.status).
				Int("count", len(chunk)).
				Msg("moderation batch flush failed")
			if b.onError != nil {
				b.onError(ferr)
			}
			continue
		}

		metrics.BatchesFlushed.Inc()
		metrics.BatchedMediaIDs.Add(float64(len(chunk)))

		for _, r := range resp.Results {
			if !r.OK {
				logging.Warn().
					Str("media_id", r.MediaID).
					Str("status", g.status).
					Str("error", r.Error).
					Msg("status update rejected for media item")
			}
		}
	}
}

// PendingKeys returns the number of unflushed (status, reason) groups.
func (b *Batcher) PendingKeys() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close flushes any pending groups and stops the batcher.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Flush()
}
