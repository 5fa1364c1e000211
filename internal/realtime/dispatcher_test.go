// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package realtime

import (
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/snapgather/snapgather-go/internal/dedup"
	"github.com/snapgather/snapgather-go/internal/protocol"
	"github.com/snapgather/snapgather-go/internal/upload"
)

func newTestDispatcher() (*Dispatcher, *upload.Tracker) {
	clock := time.Unix(1700000000, 0)
	d := dedup.New(dedup.WithClock(func() time.Time { return clock }))
	tr := upload.NewTracker(upload.WithTrackerClock(func() time.Time { return clock }))
	return NewDispatcher(d, nil, tr), tr
}

func mustFrame(t *testing.T, frameType string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDispatchDeduplicatesRepeatedMediaEvent(t *testing.T) {
	disp, _ := newTestDispatcher()

	var delivered int
	h := Handlers{OnNewMedia: func(protocol.NewMedia) { delivered++ }}

	frame := mustFrame(t, protocol.TypeNewMedia, protocol.NewMedia{RoomID: "r", MediaID: "m-1"})
	disp.Dispatch(frame, h)
	disp.Dispatch(frame, h)

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 after duplicate suppression", delivered)
	}
}

func TestDispatchDistinctMediaIndependent(t *testing.T) {
	disp, _ := newTestDispatcher()

	var delivered []string
	h := Handlers{OnNewMedia: func(ev protocol.NewMedia) { delivered = append(delivered, ev.MediaID) }}

	disp.Dispatch(mustFrame(t, protocol.TypeNewMedia, protocol.NewMedia{MediaID: "m-1"}), h)
	disp.Dispatch(mustFrame(t, protocol.TypeNewMedia, protocol.NewMedia{MediaID: "m-2"}), h)

	if len(delivered) != 2 {
		t.Errorf("delivered = %v, want both media ids", delivered)
	}
}

func TestDispatchViewerCountNeverDeduplicated(t *testing.T) {
	disp, _ := newTestDispatcher()

	var counts []int
	h := Handlers{OnViewerCount: func(ev protocol.ViewerCount) { counts = append(counts, ev.Count) }}

	frame := mustFrame(t, protocol.TypeViewerCount, protocol.ViewerCount{RoomID: "r", Count: 4})
	disp.Dispatch(frame, h)
	disp.Dispatch(frame, h)

	if len(counts) != 2 {
		t.Errorf("viewer-count deliveries = %d, want 2 (exempt from dedup)", len(counts))
	}
}

func TestDispatchUploadProgressFeedsTracker(t *testing.T) {
	disp, tr := newTestDispatcher()
	tr.CreateSession("s1", "evt-1", "guest-1", "guest", []upload.FileSeed{{FileID: "f1", Name: "a.jpg"}})

	var seen []float64
	h := Handlers{OnUploadProgress: func(ev protocol.UploadProgress) { seen = append(seen, ev.Percentage) }}

	base := time.Unix(1700000100, 0)
	disp.Dispatch(mustFrame(t, protocol.TypeUploadProgress, protocol.UploadProgress{
		SessionID: "s1", FileID: "f1", Stage: "uploading", Percentage: 25, Timestamp: base,
	}), h)
	// Distinct percentage is a distinct event, not a duplicate.
	disp.Dispatch(mustFrame(t, protocol.TypeUploadProgress, protocol.UploadProgress{
		SessionID: "s1", FileID: "f1", Stage: "uploading", Percentage: 60, Timestamp: base.Add(100 * time.Millisecond),
	}), h)

	if len(seen) != 2 {
		t.Fatalf("progress deliveries = %d, want 2", len(seen))
	}
	f, ok := tr.File("s1", "f1")
	if !ok || f.Percentage != 60 || f.Stage != upload.StageUploading {
		t.Errorf("tracker state = %+v", f)
	}
}

func TestDispatchControlFrameConsumedByRegistry(t *testing.T) {
	reg, _ := newTestRegistry(true)
	clock := time.Unix(1700000000, 0)
	disp := NewDispatcher(dedup.New(dedup.WithClock(func() time.Time { return clock })), reg, nil)

	var errFrames int
	h := Handlers{OnError: func(protocol.ErrorFrame) { errFrames++ }}

	disp.Dispatch(mustFrame(t, protocol.TypeRoomJoined, protocol.RoomJoined{RoomID: "r"}), h)
	if errFrames != 0 {
		t.Error("membership ack must not reach consumer handlers")
	}

	// A room-scoped not-found error is also a membership concern.
	disp.Dispatch(mustFrame(t, protocol.TypeError, protocol.ErrorFrame{
		Code: protocol.CodeRoomNotFound, Message: "gone", RoomID: "r",
	}), h)
	if errFrames != 0 {
		t.Error("room-not-found should be consumed by the registry")
	}

	// Other errors do reach the consumer.
	disp.Dispatch(mustFrame(t, protocol.TypeError, protocol.ErrorFrame{
		Code: protocol.CodeRateLimited, Message: "slow down",
	}), h)
	if errFrames != 1 {
		t.Errorf("error deliveries = %d, want 1", errFrames)
	}
}

func TestDispatchMalformedPayloadDropped(t *testing.T) {
	disp, _ := newTestDispatcher()

	var delivered int
	h := Handlers{OnNewMedia: func(protocol.NewMedia) { delivered++ }}

	disp.Dispatch(protocol.Frame{
		Type: protocol.TypeNewMedia,
		Data: json.RawMessage(`"not an object"`),
	}, h)

	if delivered != 0 {
		t.Error("malformed payload must not reach handlers")
	}
}

func TestDispatchUnknownTypeIgnored(t *testing.T) {
	disp, _ := newTestDispatcher()
	disp.Dispatch(protocol.Frame{Type: "future-thing"}, Handlers{})
}
