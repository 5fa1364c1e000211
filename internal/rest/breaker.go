// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package rest

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/snapgather/snapgather-go/internal/logging"
	"github.com/snapgather/snapgather-go/internal/metrics"
)

// BreakerClient wraps Client with a circuit breaker so a degraded API
// does not get hammered by the reconciliation poller or batch flushes.
//
// The breaker uses real time for its interval and timeout calculations.
// Unit tests should exercise the wrapped Client directly.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// BreakerConfig tunes the circuit breaker thresholds. Zero values fall
// back to the defaults noted on each field.
type BreakerConfig struct {
	// MinRequests is the minimum sample size before the failure rate is
	// considered. Default: 10
	MinRequests uint32

	// FailureRate opens the circuit when reached (0..1]. Default: 0.6
	FailureRate float64

	// Cooldown is how long the circuit stays open before a half-open
	// probe. Default: 30s
	Cooldown time.Duration
}

// NewBreakerClient wraps client with a circuit breaker.
// Fixed behavior on top of cfg:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
func NewBreakerClient(client *Client, cfg BreakerConfig) *BreakerClient {
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.6
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	cbName := "snapgather-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.Cooldown,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= cfg.FailureRate
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("opening circuit to snapgather api")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr, toStr := stateToString(from), stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
		},
	})

	return &BreakerClient{client: client, cb: cb, name: cbName}
}

// execute wraps an API call with circuit breaker protection.
func (bc *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := bc.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "rejected").Inc()
			logging.Warn().Err(err).Msg("request rejected by circuit breaker")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "failure").Inc()
		}
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "success").Inc()
	return result, nil
}

// castResult safely type-casts the circuit breaker result.
func castResult[T any](result any, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

// BatchStatus fetches processing-status snapshots with circuit breaker
// protection.
func (bc *BreakerClient) BatchStatus(ctx context.Context, mediaIDs []string) (*BatchStatusResponse, error) {
	return castResult[BatchStatusResponse](bc.execute(func() (any, error) {
		return bc.client.BatchStatus(ctx, mediaIDs)
	}))
}

// UpdateStatus applies a bulk status update with circuit breaker
// protection.
func (bc *BreakerClient) UpdateStatus(ctx context.Context, mediaIDs []string, status, reason string) (*UpdateStatusResponse, error) {
	return castResult[UpdateStatusResponse](bc.execute(func() (any, error) {
		return bc.client.UpdateStatus(ctx, mediaIDs, status, reason)
	}))
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
