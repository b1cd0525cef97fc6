package dotpaths

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/dotpaths/internal/logging"
	"github.com/agentworkforce/dotpaths/internal/metrics"
)

const (
	DefaultPendingTimeout = time.Hour
	DefaultCleanupWorkers = 3
	DefaultPurgeBatchSize = 100
)

type CleanupStore interface {
	QueryUploads(ctx context.Context, q UploadQuery) ([]UploadRecord, error)
	DeleteUploadIf(ctx context.Context, id string, pred func(UploadRecord) bool) (UploadRecord, bool, error)
	CollectionStore
}

// ObjectPurger removes stored objects under a prefix and reports how many went.
type ObjectPurger interface {
	PurgePrefix(ctx context.Context, prefix string) (int, error)
}

type CleanupOptions struct {
	// Key is the shared secret callers must present. An empty key rejects every caller.
	Key            string
	PendingTimeout time.Duration
	Workers        int
	BatchSize      int
	Objects        ObjectPurger
	Now            func() time.Time
	Logger         *zerolog.Logger
}

type ExpireResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Matched int       `json:"matched"`
	Deleted int       `json:"deleted"`
	Skipped int       `json:"skipped"`
	Failed  int       `json:"failed"`
}

type ResetResult struct {
	Uploads int `json:"uploads"`
	Paths   int `json:"paths"`
	Changes int `json:"changes"`
	Objects int `json:"objects"`
}

// CleanupScheduler reclaims abandoned uploads and purges collections for resets.
type CleanupScheduler struct {
	store     CleanupStore
	key       string
	timeout   time.Duration
	workers   int
	batchSize int
	objects   ObjectPurger
	now       func() time.Time
	logger    zerolog.Logger
}

func NewCleanupScheduler(store CleanupStore, opts CleanupOptions) *CleanupScheduler {
	c := &CleanupScheduler{
		store:     store,
		key:       opts.Key,
		timeout:   opts.PendingTimeout,
		workers:   opts.Workers,
		batchSize: opts.BatchSize,
		objects:   opts.Objects,
		now:       opts.Now,
		logger:    logging.Component("cleanup"),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultPendingTimeout
	}
	if c.workers <= 0 {
		c.workers = DefaultCleanupWorkers
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultPurgeBatchSize
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.Logger != nil {
		c.logger = *opts.Logger
	}
	return c
}

// SecretMatches compares lengths first, then bytes in constant time.
func SecretMatches(expected, provided string) bool {
	if expected == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (c *CleanupScheduler) Authorize(key string) error {
	if !SecretMatches(c.key, key) {
		return &Error{Kind: KindAuthMismatch}
	}
	return nil
}

// Expire deletes PENDING uploads older than the pending timeout through a
// fixed-width pool. Each delete re-checks the record so re-runs are no-ops.
func (c *CleanupScheduler) Expire(ctx context.Context, key string) (ExpireResult, error) {
	if err := c.Authorize(key); err != nil {
		logging.Ctx(ctx, c.logger).Warn().Msg("cleanup key mismatch")
		return ExpireResult{}, err
	}
	log := logging.Ctx(ctx, c.logger)

	cutoff := c.now().Add(-c.timeout)
	expired, err := c.store.QueryUploads(ctx, UploadQuery{Status: StatusPending, CreatedBefore: cutoff})
	if err != nil {
		log.Error().Err(err).Msg("query expired uploads failed")
		return ExpireResult{}, err
	}
	result := ExpireResult{Cutoff: cutoff, Matched: len(expired)}
	stillExpired := func(rec UploadRecord) bool {
		return rec.Status == StatusPending && rec.CreatedAt.Before(cutoff)
	}

	var (
		mu       sync.Mutex
		failures []error
		g        errgroup.Group
	)
	g.SetLimit(c.workers)
	for _, rec := range expired {
		if ctx.Err() != nil {
			break
		}
		id := rec.ID
		g.Go(func() error {
			_, deleted, err := c.store.DeleteUploadIf(ctx, id, stillExpired)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				failures = append(failures, fmt.Errorf("delete upload %s: %w", id, err))
				metrics.CleanupDeletions.WithLabelValues("failed").Inc()
				log.Error().Err(err).Str("upload_id", id).Msg("expired upload delete failed")
			case deleted:
				result.Deleted++
				metrics.CleanupDeletions.WithLabelValues("deleted").Inc()
			default:
				result.Skipped++
				metrics.CleanupDeletions.WithLabelValues("skipped").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("matched", result.Matched).
		Int("deleted", result.Deleted).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("upload cleanup finished")
	if len(failures) > 0 {
		return result, BatchDeleteError(CollectionUploads, errors.Join(failures...))
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// PurgeCollection deletes every document in collection, batchSize at a time,
// in ascending key order. It returns how many documents were deleted.
func (c *CleanupScheduler) PurgeCollection(ctx context.Context, collection string, batchSize int) (int, error) {
	return c.purge(ctx, collection, batchSize, nil)
}

func (c *CleanupScheduler) purge(ctx context.Context, collection string, batchSize int, onBatch func(keys []string) error) (int, error) {
	if !KnownCollection(collection) {
		return 0, InvalidInputError("unknown collection %q", collection)
	}
	if batchSize <= 0 {
		batchSize = c.batchSize
	}
	log := logging.Ctx(ctx, c.logger).With().Str("collection", collection).Logger()

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		keys, err := c.store.ListKeys(ctx, collection, batchSize)
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			break
		}
		if err := c.store.DeleteBatch(ctx, collection, keys); err != nil {
			log.Error().Err(err).Int("deleted_so_far", total).Msg("batch delete failed")
			return total, BatchDeleteError(collection, err)
		}
		total += len(keys)
		metrics.PurgedDocuments.WithLabelValues(collection).Add(float64(len(keys)))
		if onBatch != nil {
			if err := onBatch(keys); err != nil {
				return total, err
			}
		}
		runtime.Gosched()
	}
	log.Info().Int("deleted", total).Msg("collection purged")
	return total, nil
}

// ResetUploads purges the uploads collection and, when an object purger is
// configured, each upload's stored objects under "<prefix><uploadId>/".
func (c *CleanupScheduler) ResetUploads(ctx context.Context, objectPrefix string) (ResetResult, error) {
	var result ResetResult
	var onBatch func([]string) error
	if c.objects != nil {
		onBatch = func(keys []string) error {
			for _, id := range keys {
				n, err := c.objects.PurgePrefix(ctx, objectPrefix+id+"/")
				if err != nil {
					return fmt.Errorf("purge objects for upload %s: %w", id, err)
				}
				result.Objects += n
			}
			return nil
		}
	}
	n, err := c.purge(ctx, CollectionUploads, c.batchSize, onBatch)
	result.Uploads = n
	return result, err
}

// ResetPaths clears every dot path and the last-updated change log.
func (c *CleanupScheduler) ResetPaths(ctx context.Context) (ResetResult, error) {
	var result ResetResult
	n, err := c.purge(ctx, CollectionPaths, c.batchSize, nil)
	result.Paths = n
	if err != nil {
		return result, err
	}
	n, err = c.purge(ctx, CollectionChanges, c.batchSize, nil)
	result.Changes = n
	return result, err
}
