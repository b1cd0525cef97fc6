package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

func testOptions() Options {
	return Options{}
}

func TestMemoryStoreConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) dotpaths.Store {
		return NewMemoryStore(testOptions())
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore(testOptions())
	ctx := context.Background()
	dot := 4
	rec, err := s.CreateUpload(ctx, dotpaths.UploadRecord{ID: "u1", DotNum: &dot})
	require.NoError(t, err)

	*rec.DotNum = 99
	got, err := s.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, *got.DotNum)
}

func TestMemoryStoreDeletesReturnCopies(t *testing.T) {
	s := NewMemoryStore(testOptions())
	ctx := context.Background()
	dot := 4
	for _, id := range []string{"a", "b"} {
		_, err := s.CreateUpload(ctx, dotpaths.UploadRecord{ID: id, DotNum: &dot})
		require.NoError(t, err)
	}

	stored := s.uploads["a"].DotNum
	deleted, err := s.DeleteUpload(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, stored, deleted.DotNum)

	stored = s.uploads["b"].DotNum
	deleted, ok, err := s.DeleteUploadIf(ctx, "b", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotSame(t, stored, deleted.DotNum)
	assert.Equal(t, 4, *deleted.DotNum)
}

func TestMemoryStoreCounterRetriesOnVersionConflict(t *testing.T) {
	s := NewMemoryStore(testOptions())
	ctx := context.Background()
	_, err := s.EnsureCounter(ctx, "stats")
	require.NoError(t, err)

	calls := 0
	v, err := s.UpdateCounter(ctx, "stats", func(c int64) (int64, error) {
		calls++
		if calls == 1 {
			// A competing writer commits between our read and our commit.
			_, err := s.UpdateCounter(ctx, "stats", func(c int64) (int64, error) { return c + 10, nil })
			require.NoError(t, err)
		}
		return c + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(11), v)
}
