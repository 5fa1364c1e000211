// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package dedup collapses repeated delivery of the same logical event
// into one accepted occurrence.
//
// The real-time channel is at-least-once: the same media lifecycle
// event may arrive more than once, shortly apart. Each event is reduced
// to a signature of (type, entity, time bucket); a signature already in
// the active set is rejected. Coarse state events (viewer counts,
// settings) are exempt because staleness self-corrects on the next
// update.
package dedup

import (
	"strconv"
	"sync"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
	"github.com/snapgather/snapgather-go/internal/protocol"
)

// Default signature windows.
const (
	// DefaultMediaWindow buckets fine-grained media lifecycle events.
	DefaultMediaWindow = 2 * time.Second

	// DefaultGeneralWindow buckets everything else that is deduplicated.
	DefaultGeneralWindow = 10 * time.Second

	// sweepInterval bounds how often expired signatures are purged.
	sweepInterval = 30 * time.Second
)

// Deduplicator tracks recently seen event signatures. Safe for
// concurrent use.
type Deduplicator struct {
	mu        sync.Mutex
	seen      map[string]time.Time // signature -> expiry
	windows   map[string]time.Duration
	general   time.Duration
	lastSweep time.Time

	// now is injectable for tests.
	now func() time.Time
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithWindows overrides the media and general signature windows.
func WithWindows(media, general time.Duration) Option {
	return func(d *Deduplicator) {
		d.general = general
		for _, t := range mediaEventTypes {
			d.windows[t] = media
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// mediaEventTypes are deduplicated with the short media window.
var mediaEventTypes = []string{
	protocol.TypeNewMedia,
	protocol.TypeMediaRemoved,
	protocol.TypeProcessingComplete,
	protocol.TypeUploadProgress,
}

// exemptEventTypes are never deduplicated.
var exemptEventTypes = map[string]bool{
	protocol.TypeViewerCount:     true,
	protocol.TypeSettingsUpdated: true,
}

// New creates a Deduplicator with the default windows.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		seen:    make(map[string]time.Time),
		windows: make(map[string]time.Duration),
		general: DefaultGeneralWindow,
		now:     time.Now,
	}
	for _, t := range mediaEventTypes {
		d.windows[t] = DefaultMediaWindow
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastSweep = d.now()
	return d
}

// ShouldProcess reports whether an event identified by (eventType,
// entityID) should be processed. The first occurrence within a window
// is accepted and recorded; repeats are rejected. Exempt event types
// are always accepted.
func (d *Deduplicator) ShouldProcess(eventType, entityID string) bool {
	if exemptEventTypes[eventType] {
		metrics.EventsAccepted.WithLabelValues(eventType).Inc()
		return true
	}

	window := d.general
	if w, ok := d.windows[eventType]; ok {
		window = w
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	sig := signature(eventType, entityID, now, window)

	if expiry, ok := d.seen[sig]; ok && now.Before(expiry) {
		metrics.EventsDeduplicated.WithLabelValues(eventType).Inc()
		logging.Debug().
			Str("type", eventType).
			Str("entity", entityID).
			Msg("duplicate event rejected")
		return false
	}

	d.seen[sig] = now.Add(window)
	d.sweepLocked(now)

	metrics.EventsAccepted.WithLabelValues(eventType).Inc()
	return true
}

// Size returns the number of signatures currently retained.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// signature derives the dedup key: type:entity:floor(ts/window).
func signature(eventType, entityID string, now time.Time, window time.Duration) string {
	bucket := now.UnixMilli() / window.Milliseconds()
	return eventType + ":" + entityID + ":" + strconv.FormatInt(bucket, 10)
}

// sweepLocked purges expired signatures, at most once per
// sweepInterval. Memory stays bounded by the recent event rate.
func (d *Deduplicator) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < sweepInterval {
		return
	}
	d.lastSweep = now
	for sig, expiry := range d.seen {
		if !now.Before(expiry) {
			delete(d.seen, sig)
		}
	}
}
