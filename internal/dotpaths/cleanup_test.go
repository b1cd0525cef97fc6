package dotpaths_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/store"
)

var cleanupNow = time.UnixMilli(10_000_000).UTC()

func newCleanup(st dotpaths.CleanupStore, objects dotpaths.ObjectPurger) *dotpaths.CleanupScheduler {
	return dotpaths.NewCleanupScheduler(st, dotpaths.CleanupOptions{
		Key:     "abc12",
		Objects: objects,
		Now:     func() time.Time { return cleanupNow },
	})
}

func TestExpireDeletesOnlyStalePending(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	seed := []dotpaths.UploadRecord{
		{ID: "stale", Status: dotpaths.StatusPending, CreatedAt: time.UnixMilli(10_000_000 - 7_200_000)},
		{ID: "recent", Status: dotpaths.StatusPending, CreatedAt: time.UnixMilli(10_000_000 - 1_800_000)},
		{ID: "done", Status: dotpaths.StatusDone, CreatedAt: time.UnixMilli(10_000_000 - 7_200_000)},
	}
	for _, r := range seed {
		_, err := st.CreateUpload(ctx, r)
		require.NoError(t, err)
	}

	c := newCleanup(st, nil)
	res, err := c.Expire(ctx, "abc12")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, res.Deleted)

	_, err = st.GetUpload(ctx, "stale")
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
	for _, id := range []string{"recent", "done"} {
		_, err := st.GetUpload(ctx, id)
		assert.NoError(t, err, id)
	}

	res, err = c.Expire(ctx, "abc12")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deleted)
}

// slowDeleteStore holds each conditional delete open briefly and records how
// many run at once. Deleting failID fails.
type slowDeleteStore struct {
	*store.MemoryStore
	failID  string
	mu      sync.Mutex
	running int
	peak    int
}

func (s *slowDeleteStore) DeleteUploadIf(ctx context.Context, id string, pred func(dotpaths.UploadRecord) bool) (dotpaths.UploadRecord, bool, error) {
	s.mu.Lock()
	s.running++
	s.peak = max(s.peak, s.running)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running--
		s.mu.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	if id == s.failID {
		return dotpaths.UploadRecord{}, false, errors.New("backend down")
	}
	return s.MemoryStore.DeleteUploadIf(ctx, id, pred)
}

func TestExpirePoolIsBoundedAndSurvivesFailures(t *testing.T) {
	st := &slowDeleteStore{MemoryStore: store.NewMemoryStore(store.Options{}), failID: "u07"}
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := st.CreateUpload(ctx, dotpaths.UploadRecord{
			ID:        fmt.Sprintf("u%02d", i),
			Status:    dotpaths.StatusPending,
			CreatedAt: time.UnixMilli(0),
		})
		require.NoError(t, err)
	}

	c := dotpaths.NewCleanupScheduler(st, dotpaths.CleanupOptions{
		Key:     "abc12",
		Workers: 3,
		Now:     func() time.Time { return cleanupNow },
	})
	res, err := c.Expire(ctx, "abc12")
	require.ErrorIs(t, err, dotpaths.ErrBatchDelete)
	assert.Equal(t, 20, res.Matched)
	assert.Equal(t, 19, res.Deleted)
	assert.Equal(t, 1, res.Failed)
	assert.LessOrEqual(t, st.peak, 3)
	assert.Greater(t, st.peak, 1)

	_, err = st.GetUpload(ctx, "u07")
	assert.NoError(t, err, "failed delete leaves the record")
	_, err = st.GetUpload(ctx, "u19")
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
}

func TestExpireRejectsWrongKey(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	_, err := st.CreateUpload(ctx, dotpaths.UploadRecord{ID: "stale", CreatedAt: time.UnixMilli(0)})
	require.NoError(t, err)

	c := newCleanup(st, nil)
	for _, key := range []string{"", "abc1", "abc123", "ABC12"} {
		_, err := c.Expire(ctx, key)
		assert.ErrorIs(t, err, dotpaths.ErrAuthMismatch, key)
	}
	_, err = st.GetUpload(ctx, "stale")
	assert.NoError(t, err)
}

func TestSecretMatches(t *testing.T) {
	assert.True(t, dotpaths.SecretMatches("abc12", "abc12"))
	assert.False(t, dotpaths.SecretMatches("abc12", "abc1"))
	assert.False(t, dotpaths.SecretMatches("", ""))
}

func TestPurgeCollectionInBatches(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := st.CreateUpload(ctx, dotpaths.UploadRecord{ID: fmt.Sprintf("u%02d", i)})
		require.NoError(t, err)
	}
	c := newCleanup(st, nil)
	n, err := c.PurgeCollection(ctx, dotpaths.CollectionUploads, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = c.PurgeCollection(ctx, dotpaths.CollectionUploads, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.PurgeCollection(ctx, "nope", 3)
	assert.ErrorIs(t, err, dotpaths.ErrInvalidInput)
}

type failingBatchStore struct {
	*store.MemoryStore
}

func (s failingBatchStore) DeleteBatch(context.Context, string, []string) error {
	return errors.New("backend down")
}

func TestPurgeBatchFailureStops(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	_, err := st.CreateUpload(ctx, dotpaths.UploadRecord{ID: "a"})
	require.NoError(t, err)

	c := newCleanup(failingBatchStore{st}, nil)
	n, err := c.PurgeCollection(ctx, dotpaths.CollectionUploads, 10)
	assert.ErrorIs(t, err, dotpaths.ErrBatchDelete)
	assert.Equal(t, 0, n)
}

type recordingPurger struct {
	mu       sync.Mutex
	prefixes []string
}

func (p *recordingPurger) PurgePrefix(_ context.Context, prefix string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixes = append(p.prefixes, prefix)
	return 1, nil
}

func TestResetUploadsAndPaths(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := st.CreateUpload(ctx, dotpaths.UploadRecord{ID: id})
		require.NoError(t, err)
	}
	agg := dotpaths.NewPathAggregator(st, dotpaths.PathOptions{})
	_, err := agg.Append(ctx, 3, 1, 1, 1, "a")
	require.NoError(t, err)

	purger := &recordingPurger{}
	c := newCleanup(st, purger)
	res, err := c.ResetUploads(ctx, "photos/")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploads)
	assert.Equal(t, 2, res.Objects)
	assert.Equal(t, []string{"photos/a/", "photos/b/"}, purger.prefixes)

	res, err = c.ResetPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Paths)
	assert.Equal(t, 1, res.Changes)
	_, err = st.GetPathChange(ctx)
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
}
