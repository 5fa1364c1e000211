// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package upload

import (
	"context"
	"time"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/rest"
)

// StatusFetcher fetches processing-status snapshots. Implemented by
// rest.Client and rest.BreakerClient.
type StatusFetcher interface {
	BatchStatus(ctx context.Context, mediaIDs []string) (*rest.BatchStatusResponse, error)
}

// Reconciler polls the batch status endpoint for unresolved files and
// merges the snapshots through the tracker's normal progress path.
// It is the resilience mechanism for when the real-time channel is
// degraded: the tracker's timestamp guard makes the merge
// last-write-wins, so push and poll never fight.
type Reconciler struct {
	tracker   *Tracker
	api       StatusFetcher
	interval  time.Duration
	batchSize int
}

// Reconciler defaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultPollBatch    = 100
)

// NewReconciler creates a Reconciler over tracker and api.
func NewReconciler(tracker *Tracker, api StatusFetcher, interval time.Duration, batchSize int) *Reconciler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultPollBatch
	}
	return &Reconciler{
		tracker:   tracker,
		api:       api,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls until the context is canceled. Each tick reconciles every
// unresolved file and sweeps archived sessions.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileOnce(ctx)
			r.tracker.Sweep()
		}
	}
}

// ReconcileOnce performs one reconciliation pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	unresolved := r.tracker.Unresolved()
	if len(unresolved) == 0 {
		return
	}

	// A file id can appear in at most one session at a time, so the
	// reverse index is unambiguous.
	sessionOf := make(map[string]string, len(unresolved))
	ids := make([]string, 0, len(unresolved))
	for _, u := range unresolved {
		sessionOf[u.FileID] = u.SessionID
		ids = append(ids, u.FileID)
	}

	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))

		resp, err := r.api.BatchStatus(ctx, ids[start:end])
		if err != nil {
			logging.Err(err).Int("files", end-start).Msg("status reconciliation poll failed")
			return
		}

		applied := 0
		for _, st := range resp.Statuses {
			sessionID, ok := sessionOf[st.MediaID]
			if !ok {
				continue
			}
			if r.tracker.ApplyProgress(ProgressUpdate{
				SessionID:  sessionID,
				FileID:     st.MediaID,
				Stage:      Stage(st.Stage),
				Percentage: st.Percentage,
				Error:      st.Error,
				Timestamp:  st.UpdatedAt,
			}) {
				applied++
			}
		}
		if applied > 0 {
			logging.Debug().Int("applied", applied).Msg("reconciled upload progress from polling")
		}
	}
}
