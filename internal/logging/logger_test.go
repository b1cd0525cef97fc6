package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestComponentLoggerAfterInit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Output: &buf}))
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	logger := Component("verifier")
	logger.Info().Str("upload_id", "u1").Msg("processed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dotpaths", entry["service"])
	assert.Equal(t, "verifier", entry["component"])
	assert.Equal(t, "u1", entry["upload_id"])
	assert.Equal(t, "processed", entry["message"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "warn", Output: &buf})
	require.NoError(t, err)

	l.Info().Msg("quiet")
	assert.Empty(t, buf.String())
	l.Warn().Msg("loud")
	assert.Contains(t, buf.String(), `"message":"loud"`)
}

func TestInitRejectsBadConfig(t *testing.T) {
	assert.Error(t, Init(Config{Level: "loud"}))
	assert.Error(t, Init(Config{Format: "xml"}))
}

func TestCtxAddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	base, err := New(Config{Output: &buf})
	require.NoError(t, err)

	ctx := ContextWithCorrelationID(context.Background(), "corr_1")
	Ctx(ctx, base).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"correlation_id":"corr_1"`)

	buf.Reset()
	Ctx(context.Background(), base).Info().Msg("plain")
	assert.NotContains(t, buf.String(), "correlation_id")
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a, b := NewCorrelationID(), NewCorrelationID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "corr_"))
}
