// Package store provides the persistence backends behind dotpaths.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

var ErrNotImplemented = errors.New("not implemented")

const (
	DefaultConflictTimeout = 30 * time.Second

	minConflictBackoff = time.Millisecond
	maxConflictBackoff = 50 * time.Millisecond
)

type Options struct {
	// ConflictTimeout bounds how long a conflicting transaction keeps
	// retrying when the caller's context has no deadline.
	ConflictTimeout time.Duration
	Now             func() time.Time
	NewID           func() string
	Logger          *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.ConflictTimeout <= 0 {
		o.ConflictTimeout = DefaultConflictTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		l := logging.Component("store")
		o.Logger = &l
	}
	return o
}

type Factory func(dsn string, opts Options) (dotpaths.Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

// Register installs a factory for a DSN scheme, taking precedence over the built-in ones.
func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookup(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Open builds a store from a DSN: memory://, badger:///path/to/dir,
// badger://memory or postgres://...
func Open(dsn string, opts Options) (dotpaths.Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "memory://"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookup(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(opts), nil
	case "badger":
		path := dsnPath(parsed)
		if path == "memory" || path == ":memory:" {
			path = ""
		}
		return NewBadgerStore(path, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "firestore", "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %q", scheme)
	}
}

func dsnPath(parsed *url.URL) string {
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		if path == "" {
			return host
		}
		return host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	return path
}

// retryConflicts runs attempt until it succeeds or fails with a non-conflict
// error. Conflicts back off with jitter until ctx ends; a ctx without a
// deadline gets timeout.
func retryConflicts(ctx context.Context, operation string, timeout time.Duration, isConflict func(error) bool, attempt func() error) error {
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	backoff := minConflictBackoff
	for attempts := 1; ; attempts++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err := attempt()
		if err == nil || !isConflict(err) {
			return err
		}
		metrics.StoreTxRetries.WithLabelValues(operation).Inc()
		sleep := backoff/2 + rand.N(backoff/2+1)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s still conflicting after %d attempts: %w", operation, attempts, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, maxConflictBackoff)
	}
}

func validateCodes(codes map[string]int) error {
	for code, dot := range codes {
		if strings.TrimSpace(code) == "" {
			return dotpaths.InvalidInputError("empty code")
		}
		if !dotpaths.ValidDot(dot) {
			return dotpaths.InvalidInputError("code %q maps to dot %d outside %d..%d", code, dot, dotpaths.MinDot, dotpaths.MaxDot)
		}
	}
	return nil
}

func prepareNewUpload(rec dotpaths.UploadRecord, opts Options) dotpaths.UploadRecord {
	rec = rec.Clone()
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = opts.NewID()
	}
	if rec.Status == "" {
		rec.Status = dotpaths.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = opts.Now().UTC()
	}
	return rec
}

func uploadExistsError(id string) error {
	return dotpaths.InvalidInputError("upload %s already exists", id)
}
