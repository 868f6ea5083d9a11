package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestWithFields_JSON(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewContext(context.Background(), New(&buf, "info", "json"))

	WithFields(ctx, "run_id", "r1", "unit", "a.csv").Info("unit committed", "rows", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "unit committed", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "a.csv", entry["unit"])
	assert.EqualValues(t, 3, entry["rows"])
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "text")
	l.Info("hidden")
	assert.Empty(t, buf.String())
	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestFromContext_Default(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
