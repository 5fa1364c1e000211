// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package protocol

import "time"

// Hello is the authentication handshake, sent once immediately after
// the transport connects. Either Token (full identity) or ShareToken
// (anonymous capability credential) must be set.
type Hello struct {
	Token      string `json:"token,omitempty"`
	ShareToken string `json:"shareToken,omitempty"`
	Role       Role   `json:"role"`
	RoomHint   string `json:"roomHint,omitempty"`
	ClientID   string `json:"clientId"`
}

// JoinRoom requests membership in a room. Cursor carries the last
// known client-side display position for resynchronization after a
// reconnect.
type JoinRoom struct {
	RoomID     string `json:"roomId"`
	ShareToken string `json:"shareToken,omitempty"`
	Cursor     int    `json:"cursor,omitempty"`
}

// LeaveRoom requests departure from a room.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// SyncPosition reports the client's current display index within a
// room. Senders throttle this to at most once per 500ms.
type SyncPosition struct {
	RoomID    string    `json:"roomId"`
	Cursor    int       `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
}

// WallControl carries a photo-wall control action (pause, advance,
// shuffle) with an action-specific payload.
type WallControl struct {
	RoomID  string         `json:"roomId"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Authenticated acknowledges a successful Hello.
type Authenticated struct {
	ClientID string `json:"clientId"`
}

// RoomJoined acknowledges room membership.
type RoomJoined struct {
	RoomID string `json:"roomId"`
}

// NewMedia announces a media item inserted into a room's feed.
type NewMedia struct {
	RoomID     string    `json:"roomId"`
	MediaID    string    `json:"mediaId"`
	UploaderID string    `json:"uploaderId,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// MediaRemoved announces a media item removed from a room's feed.
type MediaRemoved struct {
	RoomID    string    `json:"roomId"`
	MediaID   string    `json:"mediaId"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingComplete announces server-side processing finished for a
// media item.
type ProcessingComplete struct {
	RoomID    string    `json:"roomId"`
	MediaID   string    `json:"mediaId"`
	Timestamp time.Time `json:"timestamp"`
}

// UploadProgress reports one file's progress within an upload session.
type UploadProgress struct {
	SessionID  string    `json:"sessionId"`
	FileID     string    `json:"fileId"`
	Stage      string    `json:"stage"`
	Percentage float64   `json:"percentage"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ViewerCount reports how many clients are currently viewing a room.
// Not deduplicated: staleness self-corrects on the next update.
type ViewerCount struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// SettingsUpdated announces that room settings changed; consumers
// refetch rather than receiving a delta.
type SettingsUpdated struct {
	RoomID string `json:"roomId"`
}

// ErrorFrame is a generic server error notification.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}
