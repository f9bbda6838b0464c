package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"error":   LogLevelError,
		"WARN":    LogLevelWarn,
		"warning": LogLevelWarn,
		"Info":    LogLevelInfo,
		"debug":   LogLevelDebug,
	} {
		got, err := parseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parseLogLevel("trace")
	assert.Error(t, err)
}

func TestNewLogger_JSONAndRuntimeLevel(t *testing.T) {
	t.Cleanup(func() { logLevel.Set(slog.LevelInfo) })

	var buf bytes.Buffer
	logger := newLogger(&buf, LogLevelInfo, "json")

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Info("shown", "key", "output/phones")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "output/phones", rec["key"])

	buf.Reset()
	lvl, err := setLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, lvl)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")

	_, err = setLogLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger_Text(t *testing.T) {
	t.Cleanup(func() { logLevel.Set(slog.LevelInfo) })

	var buf bytes.Buffer
	logger := newLogger(&buf, LogLevelWarn, "text")
	logger.Info("quiet")
	logger.Warn("loud")
	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "msg=loud")
}
