// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

// Package config loads layered configuration for the client: built-in
// defaults, an optional YAML file, then SNAPGATHER_* environment
// variables, in increasing priority.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all client configuration. Immutable after Load and safe
// for concurrent reads.
type Config struct {
	API        APIConfig        `koanf:"api"`
	Realtime   RealtimeConfig   `koanf:"realtime"`
	Dedup      DedupConfig      `koanf:"dedup"`
	Upload     UploadConfig     `koanf:"upload"`
	Moderation ModerationConfig `koanf:"moderation"`
	Store      StoreConfig      `koanf:"store"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// APIConfig holds REST API settings for status polling and bulk
// moderation.
type APIConfig struct {
	BaseURL string        `koanf:"base_url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// Circuit breaker thresholds.
	BreakerEnabled     bool          `koanf:"breaker_enabled"`
	BreakerMinRequests uint32        `koanf:"breaker_min_requests" validate:"gt=0"`
	BreakerFailureRate float64       `koanf:"breaker_failure_rate" validate:"gt=0,lte=1"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// RealtimeConfig holds the duplex channel settings.
type RealtimeConfig struct {
	URL      string `koanf:"url" validate:"required,startswith=ws"`
	Role     string `koanf:"role" validate:"oneof=admin guest photowall"`
	RoomHint string `koanf:"room_hint"`

	// ShareToken is the anonymous capability credential for guest and
	// photowall clients. Admin clients authenticate with the stored
	// identity token instead.
	ShareToken string `koanf:"share_token"`

	HandshakeTimeout time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
	ReconnectDelay   time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	PingInterval     time.Duration `koanf:"ping_interval" validate:"gt=0"`
	ReadTimeout      time.Duration `koanf:"read_timeout" validate:"gt=0"`
	JoinTimeout      time.Duration `koanf:"join_timeout" validate:"gt=0"`
	SyncThrottle     time.Duration `koanf:"sync_throttle" validate:"gt=0"`
}

// DedupConfig holds event deduplication windows.
type DedupConfig struct {
	MediaWindow   time.Duration `koanf:"media_window" validate:"gt=0"`
	GeneralWindow time.Duration `koanf:"general_window" validate:"gt=0"`
}

// UploadConfig holds upload session tracking and reconciliation
// settings.
type UploadConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" validate:"gt=0"`
	PollBatch    int           `koanf:"poll_batch" validate:"gt=0"`
	SessionGrace time.Duration `koanf:"session_grace" validate:"gt=0"`
}

// ModerationConfig holds bulk status batching settings.
type ModerationConfig struct {
	Debounce time.Duration `koanf:"debounce" validate:"gt=0"`
	MaxBatch int           `koanf:"max_batch" validate:"gt=0"`
}

// StoreConfig holds the durable local store location.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// ServerConfig holds the local observability endpoint.
type ServerConfig struct {
	Host    string        `koanf:"host" validate:"required"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults
// load first and are overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:            "http://127.0.0.1:8080",
			Timeout:            15 * time.Second,
			BreakerEnabled:     true,
			BreakerMinRequests: 10,
			BreakerFailureRate: 0.6,
			BreakerCooldown:    30 * time.Second,
		},
		Realtime: RealtimeConfig{
			URL:              "ws://127.0.0.1:8080/realtime",
			Role:             "admin",
			HandshakeTimeout: 10 * time.Second,
			ReconnectDelay:   5 * time.Second,
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			JoinTimeout:      10 * time.Second,
			SyncThrottle:     500 * time.Millisecond,
		},
		Dedup: DedupConfig{
			MediaWindow:   2 * time.Second,
			GeneralWindow: 10 * time.Second,
		},
		Upload: UploadConfig{
			PollInterval: 30 * time.Second,
			PollBatch:    100,
			SessionGrace: time.Minute,
		},
		Moderation: ModerationConfig{
			Debounce: 500 * time.Millisecond,
			MaxBatch: 500,
		},
		Store: StoreConfig{
			Path: "/data/snapgather",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    9690,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks structural constraints plus the cross-field rules the
// tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Dedup.MediaWindow > c.Dedup.GeneralWindow {
		return fmt.Errorf("dedup.media_window (%s) must not exceed dedup.general_window (%s)",
			c.Dedup.MediaWindow, c.Dedup.GeneralWindow)
	}
	if c.Realtime.Role != "admin" && c.Realtime.ShareToken == "" {
		return fmt.Errorf("realtime.share_token is required for role %q", c.Realtime.Role)
	}
	return nil
}
