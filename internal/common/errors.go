// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package common defines the sentinel errors shared across the sync
// core. Callers match these with errors.Is; components wrap them with
// contextual detail before returning.
package common

import "errors"

var (
	// ErrAuth indicates an invalid or expired identity or share token.
	// Fatal for the current connection attempt; never retried
	// automatically.
	ErrAuth = errors.New("authentication failed")

	// ErrTransport indicates a network or channel failure. Recovered by
	// at most one scheduled reconnection attempt per drop.
	ErrTransport = errors.New("transport failure")

	// ErrNotConnected indicates an operation that requires an
	// authenticated connection was attempted without one.
	ErrNotConnected = errors.New("not connected")

	// ErrSubscriptionTimeout indicates a room join acknowledgment did
	// not arrive within the bounded wait.
	ErrSubscriptionTimeout = errors.New("subscription acknowledgment timed out")

	// ErrRateLimited indicates the server signaled throttling. The
	// caller must back off; nothing retries automatically.
	ErrRateLimited = errors.New("rate limited by server")
)
