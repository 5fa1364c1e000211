// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package protocol defines the duplex wire protocol spoken over the
// real-time channel: the handshake, outbound control messages, and the
// inbound event frames the server pushes to room members.
//
// Every frame on the wire is a Frame envelope whose Data field carries
// a type-specific payload. The envelope is decoded first; the payload
// is decoded by whoever dispatches on Frame.Type.
package protocol

import (
	"github.com/goccy/go-json"
)

// Role declares what kind of client is connecting. The server scopes
// room permissions and event fan-out by role.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleGuest     Role = "guest"
	RolePhotowall Role = "photowall"
)

// Valid reports whether the role is one the server accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleGuest, RolePhotowall:
		return true
	}
	return false
}

// Frame type identifiers. Outbound types are sent by the client,
// inbound types are pushed by the server.
const (
	// Outbound control messages
	TypeHello        = "hello"
	TypeJoinRoom     = "join-room"
	TypeLeaveRoom    = "leave-room"
	TypeSyncPosition = "sync-position"
	TypeWallControl  = "wall-control"

	// Inbound server frames
	TypeAuthenticated      = "authenticated"
	TypeRoomJoined         = "room-joined"
	TypeNewMedia           = "new-media"
	TypeMediaRemoved       = "media-removed"
	TypeProcessingComplete = "processing-complete"
	TypeUploadProgress     = "upload-progress"
	TypeViewerCount        = "viewer-count-update"
	TypeSettingsUpdated    = "settings-updated"
	TypeError              = "error"
)

// Error frame codes the server uses on TypeError frames.
const (
	CodeAuthFailed   = "auth_failed"
	CodeRateLimited  = "rate_limited"
	CodeRoomNotFound = "room_not_found"
)

// Frame is the envelope for every message on the channel.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Data: data}, nil
}

// Decode unmarshals the frame payload into dst.
func (f Frame) Decode(dst any) error {
	return json.Unmarshal(f.Data, dst)
}
