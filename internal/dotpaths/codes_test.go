package dotpaths_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dotpaths/internal/dotpaths"
	"github.com/agentworkforce/dotpaths/internal/store"
)

func TestParseCodeFile(t *testing.T) {
	codes, err := dotpaths.ParseCodeFile([]byte(`["1_2", "", "3_4"]`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"1_2": 0, "3_4": 2}, codes)

	codes, err = dotpaths.ParseCodeFile([]byte(`{"5_6": 321}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"5_6": 321}, codes)

	for _, bad := range []string{``, `{"x": 322}`, `["a", "a"]`, `{`} {
		_, err := dotpaths.ParseCodeFile([]byte(bad))
		assert.ErrorIs(t, err, dotpaths.ErrInvalidInput, bad)
	}
}

func TestStoreCodeResolver(t *testing.T) {
	st := store.NewMemoryStore(store.Options{})
	ctx := context.Background()
	require.NoError(t, st.PutCodes(ctx, map[string]int{"1_2": 7}))
	r := dotpaths.NewStoreCodeResolver(st)

	dot, err := r.Resolve(ctx, " 1_2 ")
	require.NoError(t, err)
	assert.Equal(t, 7, dot)

	_, err = r.Resolve(ctx, "2_1")
	assert.ErrorIs(t, err, dotpaths.ErrCodeNotFound)
	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, dotpaths.ErrCodeNotFound)
}

func TestFileCodeResolverReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"1_2": 1}`), 0o600))

	r, err := dotpaths.NewFileCodeResolver(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	require.NoError(t, r.Watch())

	ctx := context.Background()
	dot, err := r.Resolve(ctx, "1_2")
	require.NoError(t, err)
	assert.Equal(t, 1, dot)
	_, err = r.Resolve(ctx, "9_9")
	assert.ErrorIs(t, err, dotpaths.ErrCodeNotFound)

	require.NoError(t, os.WriteFile(path, []byte(`{"1_2": 1, "9_9": 99}`), 0o600))
	require.Eventually(t, func() bool {
		dot, err := r.Resolve(ctx, "9_9")
		return err == nil && dot == 99
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o600))
	time.Sleep(50 * time.Millisecond)
	dot, err = r.Resolve(ctx, "9_9")
	require.NoError(t, err, "a bad rewrite keeps the previous table")
	assert.Equal(t, 99, dot)
}

func TestFileCodeResolverRequiresPath(t *testing.T) {
	_, err := dotpaths.NewFileCodeResolver(" ", nil)
	assert.ErrorIs(t, err, dotpaths.ErrInvalidInput)
	_, err = dotpaths.NewFileCodeResolver(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}
