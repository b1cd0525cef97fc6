package store

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
)

// runConformance exercises the dotpaths.Store contract against one backend.
func runConformance(t *testing.T, open func(t *testing.T) dotpaths.Store) {
	t.Helper()

	t.Run("UploadLifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		created, err := s.CreateUpload(ctx, dotpaths.UploadRecord{Code: "1_2_3"})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, dotpaths.StatusPending, created.Status)
		assert.False(t, created.CreatedAt.IsZero())

		_, err = s.CreateUpload(ctx, dotpaths.UploadRecord{ID: created.ID})
		require.True(t, errors.Is(err, dotpaths.ErrInvalidInput), "duplicate create: %v", err)

		got, err := s.GetUpload(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "1_2_3", got.Code)

		before, after, err := s.UpdateUpload(ctx, created.ID, func(r *dotpaths.UploadRecord) error {
			r.Status = dotpaths.StatusDone
			r.PhotoURL = "https://example.test/p.jpg"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, dotpaths.StatusPending, before.Status)
		assert.Equal(t, dotpaths.StatusDone, after.Status)

		got, err = s.GetUpload(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.test/p.jpg", got.PhotoURL)

		deleted, err := s.DeleteUpload(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, dotpaths.StatusDone, deleted.Status)

		_, err = s.GetUpload(ctx, created.ID)
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))
		_, err = s.DeleteUpload(ctx, created.ID)
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))
	})

	t.Run("UpdateUploadMutateErrorLeavesRecord", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		rec, err := s.CreateUpload(ctx, dotpaths.UploadRecord{ID: "keep", Code: "c"})
		require.NoError(t, err)

		_, _, err = s.UpdateUpload(ctx, rec.ID, func(r *dotpaths.UploadRecord) error {
			r.Code = "changed"
			return dotpaths.NotPendingError(r.ID, r.Status)
		})
		require.True(t, errors.Is(err, dotpaths.ErrNotPending))

		got, err := s.GetUpload(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "c", got.Code)

		_, _, err = s.UpdateUpload(ctx, "missing", func(*dotpaths.UploadRecord) error { return nil })
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))
	})

	t.Run("QueryAndConditionalDelete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		for i, status := range []dotpaths.Status{dotpaths.StatusPending, dotpaths.StatusPending, dotpaths.StatusDone} {
			_, err := s.CreateUpload(ctx, dotpaths.UploadRecord{
				ID:        fmt.Sprintf("u%d", i),
				Status:    status,
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			})
			require.NoError(t, err)
		}

		pending, err := s.QueryUploads(ctx, dotpaths.UploadQuery{Status: dotpaths.StatusPending, CreatedBefore: base.Add(30 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "u0", pending[0].ID)

		all, err := s.QueryUploads(ctx, dotpaths.UploadQuery{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{"u0", "u1", "u2"}, []string{all[0].ID, all[1].ID, all[2].ID})

		_, deleted, err := s.DeleteUploadIf(ctx, "u2", func(r dotpaths.UploadRecord) bool { return r.Status == dotpaths.StatusPending })
		require.NoError(t, err)
		assert.False(t, deleted)

		_, deleted, err = s.DeleteUploadIf(ctx, "u0", func(r dotpaths.UploadRecord) bool { return r.Status == dotpaths.StatusPending })
		require.NoError(t, err)
		assert.True(t, deleted)

		_, deleted, err = s.DeleteUploadIf(ctx, "u0", nil)
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("DotPathAndChangeLog", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.GetDotPath(ctx, "007")
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))
		_, err = s.GetPathChange(ctx)
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))

		state := dotpaths.EmptyDotPath("007")
		state.Integrated = []dotpaths.Point{{Lat: 10, Lng: 20}, {Lat: 11, Lng: 21}}
		state.Recent = []dotpaths.RecentPoint{{Lat: 11, Lng: 21, Timestamp: 200}, {Lat: 10, Lng: 20, Timestamp: 100}}
		state.RawCount = 2
		at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveDotPath(ctx, state, dotpaths.PathChange{Dot: "007", UploadID: "u1", UpdatedAt: at}))

		got, err := s.GetDotPath(ctx, "007")
		require.NoError(t, err)
		assert.Equal(t, state.Integrated, got.Integrated)
		assert.Equal(t, state.Recent, got.Recent)
		assert.Equal(t, int64(2), got.RawCount)

		change, err := s.GetPathChange(ctx)
		require.NoError(t, err)
		assert.Equal(t, "007", change.Dot)
		assert.Equal(t, "u1", change.UploadID)
		assert.True(t, at.Equal(change.UpdatedAt))
	})

	t.Run("Codes", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		require.NoError(t, s.PutCodes(ctx, map[string]int{"1_2": 7, "3_4": 321}))
		dot, err := s.LookupCode(ctx, "1_2")
		require.NoError(t, err)
		assert.Equal(t, 7, dot)

		_, err = s.LookupCode(ctx, "nope")
		require.True(t, errors.Is(err, dotpaths.ErrNotFound))

		err = s.PutCodes(ctx, map[string]int{"bad": 322})
		require.True(t, errors.Is(err, dotpaths.ErrInvalidInput))
	})

	t.Run("CounterRequiresProvisioning", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.UpdateCounter(ctx, "stats", func(c int64) (int64, error) { return c + 1, nil })
		require.True(t, errors.Is(err, dotpaths.ErrMissingCounterDocument), "got %v", err)
		_, err = s.GetCounter(ctx, "stats")
		require.True(t, errors.Is(err, dotpaths.ErrMissingCounterDocument))

		created, err := s.EnsureCounter(ctx, "stats")
		require.NoError(t, err)
		assert.True(t, created)
		created, err = s.EnsureCounter(ctx, "stats")
		require.NoError(t, err)
		assert.False(t, created)

		v, err := s.UpdateCounter(ctx, "stats", func(c int64) (int64, error) { return c + 5, nil })
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)
	})

	t.Run("ConcurrentCounterUpdatesAreNotLost", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.EnsureCounter(ctx, "stats")
		require.NoError(t, err)

		const writers = 16
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			delta := int64(1)
			if i%4 == 0 {
				delta = -1
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.UpdateCounter(ctx, "stats", func(c int64) (int64, error) { return c + delta, nil })
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		v, err := s.GetCounter(ctx, "stats")
		require.NoError(t, err)
		assert.Equal(t, int64(writers-2*(writers/4)), v)
	})

	t.Run("ConcurrentCounterApplyAtDefaults", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		m := dotpaths.NewCounterMaintainer(s, "", nil)
		_, err := m.Provision(ctx)
		require.NoError(t, err)

		const creates = 200
		var wg sync.WaitGroup
		errs := make(chan error, creates)
		for i := 0; i < creates; i++ {
			change := dotpaths.UploadChange{
				UploadID: fmt.Sprintf("u%03d", i),
				After:    &dotpaths.UploadRecord{Status: dotpaths.StatusDone},
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := m.Apply(ctx, change)
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		v, err := m.Value(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(creates), v)
	})

	t.Run("ListKeysAndDeleteBatch", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for _, id := range []string{"c", "a", "b", "d"} {
			_, err := s.CreateUpload(ctx, dotpaths.UploadRecord{ID: id})
			require.NoError(t, err)
		}

		keys, err := s.ListKeys(ctx, dotpaths.CollectionUploads, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, keys)

		require.NoError(t, s.DeleteBatch(ctx, dotpaths.CollectionUploads, append(keys, "missing")))
		keys, err = s.ListKeys(ctx, dotpaths.CollectionUploads, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, keys)

		_, err = s.ListKeys(ctx, "bogus", 1)
		require.True(t, errors.Is(err, dotpaths.ErrInvalidInput))
	})
}
