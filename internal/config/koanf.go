// Snapgather - Event Photo Sharing Client SDK
// Copyright 2026 Snapgather Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/snapgather/snapgather-go

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order of
// priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/snapgather/config.yaml",
	"/etc/snapgather/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SNAPGATHER_CONFIG_PATH"

// envPrefix scopes which environment variables are consulted.
const envPrefix = "SNAPGATHER_"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in values for every setting
//  2. Config file: optional YAML file (if one exists)
//  3. Environment: SNAPGATHER_* variables override anything
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps SNAPGATHER_* variable names (prefix stripped,
// lowercased) to config paths. Unmapped variables are ignored so
// unrelated environment does not pollute the config.
var envMappings = map[string]string{
	// REST API
	"api_base_url":             "api.base_url",
	"api_timeout":              "api.timeout",
	"api_breaker_enabled":      "api.breaker_enabled",
	"api_breaker_min_requests": "api.breaker_min_requests",
	"api_breaker_failure_rate": "api.breaker_failure_rate",
	"api_breaker_cooldown":     "api.breaker_cooldown",

	// Real-time channel
	"realtime_url":               "realtime.url",
	"realtime_role":              "realtime.role",
	"realtime_room_hint":         "realtime.room_hint",
	"realtime_share_token":       "realtime.share_token",
	"realtime_handshake_timeout": "realtime.handshake_timeout",
	"realtime_reconnect_delay":   "realtime.reconnect_delay",
	"realtime_ping_interval":     "realtime.ping_interval",
	"realtime_read_timeout":      "realtime.read_timeout",
	"realtime_join_timeout":      "realtime.join_timeout",
	"realtime_sync_throttle":     "realtime.sync_throttle",

	// Deduplication
	"dedup_media_window":   "dedup.media_window",
	"dedup_general_window": "dedup.general_window",

	// Upload tracking
	"upload_poll_interval": "upload.poll_interval",
	"upload_poll_batch":    "upload.poll_batch",
	"upload_session_grace": "upload.session_grace",

	// Moderation batching
	"moderation_debounce":  "moderation.debounce",
	"moderation_max_batch": "moderation.max_batch",

	// Local store
	"store_path": "store.path",

	// Observability endpoint
	"server_host":    "server.host",
	"server_port":    "server.port",
	"server_timeout": "server.timeout",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps an environment variable name to its config
// path. Returning "" skips the variable.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
