// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package metrics provides Prometheus instrumentation for the sync
// core: connection lifecycle, event deduplication, subscriptions,
// upload sessions, moderation batching, and the REST circuit breaker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Metrics
	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapgather_connection_state",
			Help: "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=authenticated, 4=error)",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapgather_reconnects_total",
			Help: "Total number of scheduled reconnection attempts after unexpected transport loss",
		},
	)

	// Event Metrics
	EventsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapgather_events_accepted_total",
			Help: "Total inbound events accepted for processing",
		},
		[]string{"type"},
	)

	EventsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapgather_events_deduplicated_total",
			Help: "Total inbound events rejected as duplicates within the signature window",
		},
		[]string{"type"},
	)

	// Subscription Metrics
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapgather_subscriptions_active",
			Help: "Current number of active room subscriptions",
		},
	)

	SubscriptionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapgather_subscription_failures_total",
			Help: "Total room join attempts that failed or timed out",
		},
	)

	// Upload Metrics
	UploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapgather_upload_sessions_active",
			Help: "Current number of unresolved upload sessions",
		},
	)

	UploadFilesTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapgather_upload_files_terminal_total",
			Help: "Total files reaching a terminal stage",
		},
		[]string{"stage"}, // "completed", "failed"
	)

	// Moderation Batcher Metrics
	BatchesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapgather_moderation_batches_flushed_total",
			Help: "Total grouped moderation batches flushed to the server",
		},
	)

	BatchFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapgather_moderation_batch_errors_total",
			Help: "Total grouped moderation batches that failed to flush",
		},
	)

	BatchedMediaIDs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapgather_moderation_media_ids_total",
			Help: "Total media ids carried by flushed moderation batches",
		},
	)

	// Circuit Breaker Metrics (REST API)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapgather_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapgather_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapgather_circuit_breaker_requests_total",
			Help: "Total requests through the circuit breaker by outcome",
		},
		[]string{"name", "outcome"}, // "success", "failure", "rejected"
	)
)
