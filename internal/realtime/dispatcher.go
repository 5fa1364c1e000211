// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package realtime

import (
	"fmt"

	"github.com/snapgather/snapgather-go/internal/dedup"
	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/protocol"
	"github.com/snapgather/snapgather-go/internal/upload"
)

// Handlers holds the consumer callbacks for domain events. Nil fields
// are skipped. Handlers are supplied per dispatch so consumers can
// swap surfaces without re-wiring the connection.
type Handlers struct {
	OnNewMedia           func(protocol.NewMedia)
	OnMediaRemoved       func(protocol.MediaRemoved)
	OnProcessingComplete func(protocol.ProcessingComplete)
	OnUploadProgress     func(protocol.UploadProgress)
	OnViewerCount        func(protocol.ViewerCount)
	OnSettingsUpdated    func(protocol.SettingsUpdated)
	OnError              func(protocol.ErrorFrame)
}

// Dispatcher routes inbound frames: membership control frames to the
// Registry, domain events through the deduplicator to the consumer
// handlers, and upload progress additionally into the Tracker.
type Dispatcher struct {
	dedup    *dedup.Deduplicator
	registry *Registry
	tracker  *upload.Tracker
}

// NewDispatcher creates a Dispatcher. Registry and tracker may be nil
// for consumers that only observe events.
func NewDispatcher(d *dedup.Deduplicator, reg *Registry, tr *upload.Tracker) *Dispatcher {
	return &Dispatcher{dedup: d, registry: reg, tracker: tr}
}

// Dispatch processes one inbound frame against the given handlers.
func (d *Dispatcher) Dispatch(frame protocol.Frame, h Handlers) {
	if d.registry != nil && d.registry.HandleFrame(frame) {
		return
	}

	switch frame.Type {
	case protocol.TypeNewMedia:
		var ev protocol.NewMedia
		if !d.decode(frame, &ev) {
			return
		}
		if !d.dedup.ShouldProcess(frame.Type, ev.MediaID) {
			return
		}
		if h.OnNewMedia != nil {
			h.OnNewMedia(ev)
		}

	case protocol.TypeMediaRemoved:
		var ev protocol.MediaRemoved
		if !d.decode(frame, &ev) {
			return
		}
		if !d.dedup.ShouldProcess(frame.Type, ev.MediaID) {
			return
		}
		if h.OnMediaRemoved != nil {
			h.OnMediaRemoved(ev)
		}

	case protocol.TypeProcessingComplete:
		var ev protocol.ProcessingComplete
		if !d.decode(frame, &ev) {
			return
		}
		if !d.dedup.ShouldProcess(frame.Type, ev.MediaID) {
			return
		}
		if h.OnProcessingComplete != nil {
			h.OnProcessingComplete(ev)
		}

	case protocol.TypeUploadProgress:
		var ev protocol.UploadProgress
		if !d.decode(frame, &ev) {
			return
		}
		// Distinct progress values for a file are distinct events, so
		// stage and percentage are part of the identity.
		entity := fmt.Sprintf("%s:%s:%s:%.0f", ev.SessionID, ev.FileID, ev.Stage, ev.Percentage)
		if !d.dedup.ShouldProcess(frame.Type, entity) {
			return
		}
		if d.tracker != nil {
			d.tracker.ApplyProgress(upload.ProgressUpdate{
				SessionID:  ev.SessionID,
				FileID:     ev.FileID,
				Stage:      upload.Stage(ev.Stage),
				Percentage: ev.Percentage,
				Error:      ev.Error,
				Timestamp:  ev.Timestamp,
			})
		}
		if h.OnUploadProgress != nil {
			h.OnUploadProgress(ev)
		}

	case protocol.TypeViewerCount:
		var ev protocol.ViewerCount
		if !d.decode(frame, &ev) {
			return
		}
		// Exempt from dedup; every update carries fresh state.
		d.dedup.ShouldProcess(frame.Type, ev.RoomID)
		if h.OnViewerCount != nil {
			h.OnViewerCount(ev)
		}

	case protocol.TypeSettingsUpdated:
		var ev protocol.SettingsUpdated
		if !d.decode(frame, &ev) {
			return
		}
		d.dedup.ShouldProcess(frame.Type, ev.RoomID)
		if h.OnSettingsUpdated != nil {
			h.OnSettingsUpdated(ev)
		}

	case protocol.TypeError:
		var ev protocol.ErrorFrame
		if !d.decode(frame, &ev) {
			return
		}
		if h.OnError != nil {
			h.OnError(ev)
		}

	default:
		logging.Debug().Str("type", frame.Type).Msg("unhandled frame type")
	}
}

func (d *Dispatcher) decode(frame protocol.Frame, dst any) bool {
	if err := frame.Decode(dst); err != nil {
		logging.Warn().Err(err).Str("type", frame.Type).Msg("malformed event payload dropped")
		return false
	}
	return true
}
