package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "presence", "warn", "json")

	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("presence write failed", "user", "u1")
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "presence", rec["service"])
	assert.Equal(t, "u1", rec["user"])
	assert.Contains(t, rec, "pid")
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "presence", "info", "text").Info("hello")
	assert.Contains(t, buf.String(), "service=presence")
}
