// Package config loads the service configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/httpapi"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/store"
	"github.com/agentworkforce/dotpaths/internal/trigger"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Codes    CodesConfig    `koanf:"codes"`
	Paths    PathsConfig    `koanf:"paths"`
	Fallback FallbackConfig `koanf:"fallback"`
	Cleanup  CleanupConfig  `koanf:"cleanup"`
	Trigger  TriggerConfig  `koanf:"trigger"`
	Objects  ObjectsConfig  `koanf:"objects"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"gt=0"`
	// UploadRateLimit caps upload creations per client IP per UploadRateWindow. Zero disables it.
	UploadRateLimit  int           `koanf:"upload_rate_limit" validate:"gte=0"`
	UploadRateWindow time.Duration `koanf:"upload_rate_window" validate:"gt=0"`
}

type StoreConfig struct {
	// DSN selects the backend: memory://, badger:///dir or postgres://...
	DSN             string        `koanf:"dsn" validate:"required"`
	CounterName     string        `koanf:"counter_name" validate:"required"`
	ConflictTimeout time.Duration `koanf:"conflict_timeout" validate:"gt=0"`
}

// CodesConfig points at an optional code file. Without one, codes are read
// from the store's codes collection.
type CodesConfig struct {
	File  string `koanf:"file"`
	Watch bool   `koanf:"watch"`
}

type PathsConfig struct {
	RecentWindow      int     `koanf:"recent_window" validate:"gte=1"`
	SimplifyThreshold int     `koanf:"simplify_threshold" validate:"gte=2"`
	SimplifyTolerance float64 `koanf:"simplify_tolerance" validate:"gt=0"`
}

type FallbackConfig struct {
	Distance float64 `koanf:"distance" validate:"gt=0"`
	LatMin   float64 `koanf:"lat_min" validate:"gte=-90,lte=90"`
	LatMax   float64 `koanf:"lat_max" validate:"gte=-90,lte=90"`
	LngMin   float64 `koanf:"lng_min" validate:"gte=-180,lte=180"`
	LngMax   float64 `koanf:"lng_max" validate:"gte=-180,lte=180"`
}

type CleanupConfig struct {
	Key            string        `koanf:"key"`
	PendingTimeout time.Duration `koanf:"pending_timeout" validate:"gt=0"`
	Workers        int           `koanf:"workers" validate:"gte=1,lte=64"`
	BatchSize      int           `koanf:"batch_size" validate:"gte=1,lte=500"`
}

type TriggerConfig struct {
	QueueDSN      string        `koanf:"queue_dsn"`
	QueueCapacity int           `koanf:"queue_capacity" validate:"gte=1"`
	Workers       int           `koanf:"workers" validate:"gte=1,lte=64"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"gte=1"`
	RetryDelay    time.Duration `koanf:"retry_delay" validate:"gt=0"`
	// ChangeFeed counts upload writes in process. When false the counter
	// follows POST /v1/events/upload-written instead.
	ChangeFeed bool `koanf:"change_feed"`
}

// ObjectsConfig enables object purging during resets when Bucket is set.
type ObjectsConfig struct {
	Bucket      string `koanf:"bucket"`
	Prefix      string `koanf:"prefix"`
	Endpoint    string `koanf:"endpoint" validate:"omitempty,url"`
	WithoutAuth bool   `koanf:"without_auth"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             ":8080",
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     60 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			MaxBodyBytes:     1 << 20,
			UploadRateLimit:  30,
			UploadRateWindow: time.Minute,
		},
		Store: StoreConfig{
			DSN:             "memory://",
			CounterName:     dotpaths.DefaultCounterName,
			ConflictTimeout: store.DefaultConflictTimeout,
		},
		Paths: PathsConfig{
			RecentWindow:      dotpaths.DefaultRecentWindow,
			SimplifyThreshold: dotpaths.DefaultSimplifyThreshold,
			SimplifyTolerance: dotpaths.DefaultSimplifyTolerance,
		},
		Fallback: FallbackConfig{
			Distance: dotpaths.DefaultFallbackDistance,
			LatMin:   dotpaths.DefaultRandomLatMin,
			LatMax:   dotpaths.DefaultRandomLatMax,
			LngMin:   dotpaths.DefaultRandomLngMin,
			LngMax:   dotpaths.DefaultRandomLngMax,
		},
		Cleanup: CleanupConfig{
			PendingTimeout: dotpaths.DefaultPendingTimeout,
			Workers:        dotpaths.DefaultCleanupWorkers,
			BatchSize:      dotpaths.DefaultPurgeBatchSize,
		},
		Trigger: TriggerConfig{
			QueueDSN:      "memory://",
			QueueCapacity: 1024,
			Workers:       2,
			MaxAttempts:   3,
			RetryDelay:    50 * time.Millisecond,
			ChangeFeed:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	if c.Fallback.LatMin >= c.Fallback.LatMax {
		return fmt.Errorf("fallback.lat_min (%v) must be below fallback.lat_max (%v)", c.Fallback.LatMin, c.Fallback.LatMax)
	}
	if c.Fallback.LngMin >= c.Fallback.LngMax {
		return fmt.Errorf("fallback.lng_min (%v) must be below fallback.lng_max (%v)", c.Fallback.LngMin, c.Fallback.LngMax)
	}
	if c.Codes.Watch && strings.TrimSpace(c.Codes.File) == "" {
		return errors.New("codes.watch requires codes.file")
	}
	return nil
}

func (c *Config) LoggingConfig() logging.Config {
	out := logging.DefaultConfig()
	out.Level = c.Logging.Level
	out.Format = c.Logging.Format
	out.Caller = c.Logging.Caller
	return out
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{ConflictTimeout: c.Store.ConflictTimeout}
}

func (c *Config) HTTPOptions() httpapi.ServerConfig {
	return httpapi.ServerConfig{
		MaxBodyBytes:       c.Server.MaxBodyBytes,
		UploadRateLimit:    c.Server.UploadRateLimit,
		UploadRateWindow:   c.Server.UploadRateWindow,
		IgnoreChangeEvents: c.Trigger.ChangeFeed,
	}
}

func (c *Config) PathOptions() dotpaths.PathOptions {
	return dotpaths.PathOptions{
		RecentWindow:      c.Paths.RecentWindow,
		SimplifyThreshold: c.Paths.SimplifyThreshold,
		SimplifyTolerance: c.Paths.SimplifyTolerance,
	}
}

func (c *Config) FallbackOptions() dotpaths.FallbackOptions {
	return dotpaths.FallbackOptions{
		Distance: c.Fallback.Distance,
		LatMin:   c.Fallback.LatMin,
		LatMax:   c.Fallback.LatMax,
		LngMin:   c.Fallback.LngMin,
		LngMax:   c.Fallback.LngMax,
	}
}

func (c *Config) CleanupOptions(objects dotpaths.ObjectPurger) dotpaths.CleanupOptions {
	return dotpaths.CleanupOptions{
		Key:            c.Cleanup.Key,
		PendingTimeout: c.Cleanup.PendingTimeout,
		Workers:        c.Cleanup.Workers,
		BatchSize:      c.Cleanup.BatchSize,
		Objects:        objects,
	}
}

func (c *Config) DispatcherOptions(queue trigger.Queue) trigger.DispatcherOptions {
	return trigger.DispatcherOptions{
		Queue:       queue,
		Workers:     c.Trigger.Workers,
		MaxAttempts: c.Trigger.MaxAttempts,
		RetryDelay:  c.Trigger.RetryDelay,
	}
}
