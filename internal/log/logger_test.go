package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out), "decode JSON log line")
	return out
}

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = sync.Once{}

	Setup("DEBUG", "json")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "INFO", "text")
	l.Info("hello", "k", "v")

	line := buf.String()
	assert.True(t, strings.Contains(line, "msg=hello"), "got %q", line)
	assert.True(t, strings.Contains(line, "k=v"), "got %q", line)
}

func TestNewLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "WARN", "json")
	l.Info("dropped")
	assert.Empty(t, buf.String())
}

// useLogger points the global logger at buf for the rest of the test.
func useLogger(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	once.Do(func() {})
	prev := logger
	logger = slog.New(slog.NewJSONHandler(buf, nil))
	t.Cleanup(func() { logger = prev })
}

func TestGetSetsUpDefault(t *testing.T) {
	logger = nil
	once = sync.Once{}

	var wg sync.WaitGroup
	got := make([]*slog.Logger, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i] = Get()
		}()
	}
	wg.Wait()

	require.NotNil(t, got[0])
	for _, l := range got {
		assert.Same(t, got[0], l)
	}
	assert.False(t, got[0].Enabled(context.Background(), slog.LevelDebug))
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, &buf)

	WithComponent("pool").Info("hello")

	out := decodeLine(t, &buf)
	assert.Equal(t, "pool", out["component"])
	assert.Equal(t, "hello", out["msg"])
}

func TestWithPool(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, &buf)

	WithPool("priority").Info("slot ready")

	out := decodeLine(t, &buf)
	assert.Equal(t, "priority", out["pool"])
}

func TestWithRequest(t *testing.T) {
	var buf bytes.Buffer
	useLogger(t, &buf)

	WithRequest(nil, "req-123").Info("render")

	out := decodeLine(t, &buf)
	assert.Equal(t, "req-123", out["request_id"])
}

func TestWithRequestKeepsParentFields(t *testing.T) {
	var buf bytes.Buffer
	parent := slog.New(slog.NewJSONHandler(&buf, nil)).With("component", "dispatch")

	WithRequest(parent, "req-9").Info("render")

	out := decodeLine(t, &buf)
	assert.Equal(t, "dispatch", out["component"])
	assert.Equal(t, "req-9", out["request_id"])
}
