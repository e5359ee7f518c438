package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, LevelFromString("warning"))
	assert.Equal(t, slog.LevelError, LevelFromString("error"))
	assert.Equal(t, slog.LevelInfo, LevelFromString("nonsense"))
}

func TestNewWritesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "dispatch", "info")
	l.Debug("hidden")
	l.Info("batch opened", "request_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dispatch", line["service"])
	assert.Equal(t, "r1", line["request_id"])
	assert.Equal(t, "batch opened", line["msg"])
}
