package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "macdengine", slog.LevelInfo, false)

	Component(l, "consumer").Info("hello", "symbol", "NIFTY")
	Component(l, "consumer").Debug("filtered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "macdengine", line["service"])
	assert.Equal(t, "consumer", line["component"])
	assert.Equal(t, "NIFTY", line["symbol"])
	assert.Equal(t, "hello", line["msg"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TraceID(ctx))
	assert.Nil(t, LogWithTrace(ctx))

	ctx = WithTraceID(ctx, "NIFTY-1")
	assert.Equal(t, "NIFTY-1", TraceID(ctx))
	assert.Len(t, LogWithTrace(ctx), 1)
}

func TestGenerateTraceID(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	assert.Equal(t, "NIFTY-1705314600123456789", GenerateTraceID("NIFTY", ts))
}
