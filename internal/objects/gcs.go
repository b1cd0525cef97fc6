// Package objects removes uploaded photo objects from Cloud Storage.
package objects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/agentworkforce/dotpaths/internal/logging"
)

const deleteTimeout = 30 * time.Second

type GCSOptions struct {
	Bucket string
	// Endpoint overrides the JSON API endpoint, e.g. an emulator.
	Endpoint    string
	WithoutAuth bool
	Logger      *zerolog.Logger
}

// GCSPurger deletes every object under a prefix of one bucket.
type GCSPurger struct {
	client *storage.Client
	bucket string
	log    zerolog.Logger
}

func NewGCSPurger(ctx context.Context, opts GCSOptions, clientOpts ...option.ClientOption) (*GCSPurger, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("objects: bucket is required")
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.WithoutAuth {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	} else {
		clientOpts = append(clientOpts, option.WithScopes(storage.ScopeReadWrite))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	p := &GCSPurger{client: client, bucket: opts.Bucket, log: logging.Component("objects")}
	if opts.Logger != nil {
		p.log = *opts.Logger
	}
	return p, nil
}

// PurgePrefix lists objects under prefix and deletes them one by one. Objects
// already gone count as deleted; other failures are joined and returned.
func (p *GCSPurger) PurgePrefix(ctx context.Context, prefix string) (int, error) {
	it := p.client.Bucket(p.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	deleted := 0
	var errs []error
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("list objects under %q: %w", prefix, err)
		}
		if err := p.deleteObject(ctx, attrs.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		p.log.Info().Str("bucket", p.bucket).Str("prefix", prefix).Int("deleted", deleted).Msg("objects purged")
	}
	return deleted, errors.Join(errs...)
}

func (p *GCSPurger) deleteObject(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	err := p.client.Bucket(p.bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %q in bucket %q: %w", name, p.bucket, err)
	}
	return nil
}

func (p *GCSPurger) Close() error {
	return p.client.Close()
}
