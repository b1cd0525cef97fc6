package dotpaths_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
)

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("finalize: %w", dotpaths.NotFoundError(dotpaths.CollectionUploads, "u1"))
	assert.ErrorIs(t, wrapped, dotpaths.ErrNotFound)
	assert.NotErrorIs(t, wrapped, dotpaths.ErrNotPending)
	assert.Equal(t, dotpaths.KindNotFound, dotpaths.KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "id=u1")

	cause := errors.New("disk full")
	batch := dotpaths.BatchDeleteError(dotpaths.CollectionPaths, cause)
	assert.ErrorIs(t, batch, cause)
	assert.ErrorIs(t, batch, dotpaths.ErrBatchDelete)

	assert.Equal(t, dotpaths.ErrorKind(0), dotpaths.KindOf(cause))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{dotpaths.NotFoundError(dotpaths.CollectionUploads, "x"), true},
		{dotpaths.NotPendingError("x", dotpaths.StatusDone), false},
		{dotpaths.CodeNotFoundError("1_2"), false},
		{dotpaths.MissingCounterError("stats"), false},
		{dotpaths.ErrAuthMismatch, false},
		{dotpaths.InvalidInputError("bad %d", 1), false},
		{dotpaths.BatchDeleteError(dotpaths.CollectionUploads, errors.New("x")), true},
		{errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, dotpaths.Retryable(tc.err), "%v", tc.err)
	}
}
