// Adapted from Cartographus (https://github.com/tomtom215/cartographus)
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later

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

// DefaultConfigPaths are searched in order; the first file found is used.
var DefaultConfigPaths = []string{
	"dotpaths.yaml",
	"dotpaths.yml",
	"/etc/dotpaths/config.yaml",
}

const ConfigPathEnvVar = "DOTPATHS_CONFIG"

// envMappings maps environment variable names (lower-cased) to koanf paths.
// Unmapped variables are ignored.
var envMappings = map[string]string{
	"dotpaths_addr":               "server.addr",
	"dotpaths_read_timeout":       "server.read_timeout",
	"dotpaths_write_timeout":      "server.write_timeout",
	"dotpaths_shutdown_timeout":   "server.shutdown_timeout",
	"dotpaths_max_body_bytes":     "server.max_body_bytes",
	"dotpaths_upload_rate_limit":  "server.upload_rate_limit",
	"dotpaths_upload_rate_window": "server.upload_rate_window",

	"dotpaths_store_dsn":        "store.dsn",
	"dotpaths_counter_name":     "store.counter_name",
	"dotpaths_conflict_timeout": "store.conflict_timeout",

	"dotpaths_codes_file":  "codes.file",
	"dotpaths_codes_watch": "codes.watch",

	"dotpaths_recent_window":      "paths.recent_window",
	"dotpaths_simplify_threshold": "paths.simplify_threshold",
	"dotpaths_simplify_tolerance": "paths.simplify_tolerance",

	"dotpaths_fallback_distance": "fallback.distance",
	"dotpaths_fallback_lat_min":  "fallback.lat_min",
	"dotpaths_fallback_lat_max":  "fallback.lat_max",
	"dotpaths_fallback_lng_min":  "fallback.lng_min",
	"dotpaths_fallback_lng_max":  "fallback.lng_max",

	"cron_key":                    "cleanup.key",
	"dotpaths_pending_timeout":    "cleanup.pending_timeout",
	"dotpaths_cleanup_workers":    "cleanup.workers",
	"dotpaths_cleanup_batch_size": "cleanup.batch_size",

	"dotpaths_trigger_queue_dsn":      "trigger.queue_dsn",
	"dotpaths_trigger_queue_capacity": "trigger.queue_capacity",
	"dotpaths_trigger_workers":        "trigger.workers",
	"dotpaths_trigger_max_attempts":   "trigger.max_attempts",
	"dotpaths_trigger_retry_delay":    "trigger.retry_delay",
	"dotpaths_trigger_change_feed":    "trigger.change_feed",

	"dotpaths_objects_bucket":       "objects.bucket",
	"dotpaths_objects_prefix":       "objects.prefix",
	"dotpaths_objects_endpoint":     "objects.endpoint",
	"dotpaths_objects_without_auth": "objects.without_auth",

	"dotpaths_log_level":  "logging.level",
	"dotpaths_log_format": "logging.format",
	"dotpaths_log_caller": "logging.caller",
}

// Load layers defaults, the config file and the environment, in that order of
// increasing precedence, and validates the result. An explicit path overrides
// the search of DOTPATHS_CONFIG and DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

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

func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
