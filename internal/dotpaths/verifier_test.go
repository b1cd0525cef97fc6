package dotpaths_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/store"
)

var verifyNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type verifierFixture struct {
	store    *store.MemoryStore
	paths    *dotpaths.PathAggregator
	verifier *dotpaths.UploadVerifier
}

func newVerifierFixture(t *testing.T) verifierFixture {
	t.Helper()
	now := func() time.Time { return verifyNow }
	st := store.NewMemoryStore(store.Options{Now: now})
	require.NoError(t, st.PutCodes(context.Background(), map[string]int{"1_2": 7}))
	codes := dotpaths.NewStoreCodeResolver(st)
	paths := dotpaths.NewPathAggregator(st, dotpaths.PathOptions{Now: now})
	fallback := dotpaths.NewFallbackSynthesizer(dotpaths.FallbackOptions{Random: &fixedRandom{values: []float64{0.5}}, Now: now})
	return verifierFixture{
		store:    st,
		paths:    paths,
		verifier: dotpaths.NewUploadVerifier(st, codes, paths, fallback, nil),
	}
}

func TestVerifyWithRealLocation(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	created := verifyNow.Add(-time.Minute)
	_, err := f.store.CreateUpload(ctx, dotpaths.UploadRecord{
		ID:        "u1",
		Code:      "1_2",
		CreatedAt: created,
		Location:  &dotpaths.Location{Latitude: 48.1, Longitude: 11.5, Accuracy: 5, Timestamp: 1},
	})
	require.NoError(t, err)

	res, err := f.verifier.Verify(ctx, dotpaths.FinalizeNotification{ObjectPath: "u1/photo.jpg", MediaLink: "https://x/p", ObjectID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "007", res.Dot)
	assert.False(t, res.Synthesized)

	rec, err := f.store.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, dotpaths.StatusDone, rec.Status)
	assert.Equal(t, "https://x/p", rec.PhotoURL)
	assert.Equal(t, "o1", rec.PhotoID)
	assert.Equal(t, "u1/photo.jpg", rec.PhotoName)
	require.NotNil(t, rec.DotNum)
	assert.Equal(t, 7, *rec.DotNum)

	state, err := f.paths.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, state.Recent, 1)
	assert.Equal(t, dotpaths.RecentPoint{Lat: 48.1, Lng: 11.5, Timestamp: created.UnixMilli()}, state.Recent[0])
}

func TestVerifySynthesizesMissingLocation(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateUpload(ctx, dotpaths.UploadRecord{ID: "first", Code: "1_2"})
	require.NoError(t, err)

	res, err := f.verifier.Verify(ctx, dotpaths.FinalizeNotification{ObjectPath: "first/a.jpg"})
	require.NoError(t, err)
	assert.True(t, res.Synthesized)
	assert.Equal(t, dotpaths.AccuracyRandom, res.Location.Accuracy)

	rec, err := f.store.GetUpload(ctx, "first")
	require.NoError(t, err)
	require.NotNil(t, rec.Location)
	assert.Equal(t, res.Location, *rec.Location)

	_, err = f.store.CreateUpload(ctx, dotpaths.UploadRecord{ID: "second", Code: "1_2"})
	require.NoError(t, err)
	res, err = f.verifier.Verify(ctx, dotpaths.FinalizeNotification{ObjectPath: "second/b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, dotpaths.AccuracyDerived, res.Location.Accuracy)

	state, err := f.paths.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, state.Recent, 2)
	assert.Equal(t, verifyNow.UnixMilli(), state.Recent[0].Timestamp)
}

func TestVerifyNotPendingChangesNothing(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateUpload(ctx, dotpaths.UploadRecord{ID: "done", Code: "1_2", Status: dotpaths.StatusDone, PhotoURL: "kept"})
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, dotpaths.FinalizeNotification{ObjectPath: "done/a.jpg", MediaLink: "other"})
	assert.ErrorIs(t, err, dotpaths.ErrNotPending)

	rec, err := f.store.GetUpload(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, "kept", rec.PhotoURL)
	_, err = f.store.GetPathChange(ctx)
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
}

func TestVerifyUnknownCodeLeavesPathsAlone(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	_, err := f.store.CreateUpload(ctx, dotpaths.UploadRecord{ID: "u1", Code: "9_9"})
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, dotpaths.FinalizeNotification{ObjectPath: "u1/a.jpg"})
	assert.ErrorIs(t, err, dotpaths.ErrCodeNotFound)
	assert.False(t, dotpaths.Retryable(err))

	rec, err := f.store.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, dotpaths.StatusPending, rec.Status)
	assert.Nil(t, rec.Location)
	_, err = f.store.GetPathChange(ctx)
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
}

func TestVerifyMissingRecordIsRetryable(t *testing.T) {
	f := newVerifierFixture(t)
	_, err := f.verifier.Verify(context.Background(), dotpaths.FinalizeNotification{ObjectPath: "ghost/a.jpg"})
	assert.ErrorIs(t, err, dotpaths.ErrNotFound)
	assert.True(t, dotpaths.Retryable(err))
}

func TestUploadIDFromObjectPath(t *testing.T) {
	id, err := dotpaths.UploadIDFromObjectPath("abc/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	id, err = dotpaths.UploadIDFromObjectPath("uploads/abc/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	_, err = dotpaths.UploadIDFromObjectPath("photo.jpg")
	assert.ErrorIs(t, err, dotpaths.ErrInvalidInput)
}
