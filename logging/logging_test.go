package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ccmlink/config"
)

func TestSetupWriter(t *testing.T) {
	t.Run("json with file sink", func(t *testing.T) {
		var buf bytes.Buffer
		path := filepath.Join(t.TempDir(), "ccmlink.log")
		logger, cleanup, err := SetupWriter(config.LoggingConfig{Level: "warn", Format: "json", File: path}, &buf)
		require.NoError(t, err)

		logger.Info().Msg("hidden")
		logger.Warn().Str("panel", "ccm2").Msg("panels unavailable")
		cleanup()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "ccm2", entry["panel"])

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "panels unavailable")
		assert.NotContains(t, string(content), "hidden")
	})

	t.Run("text format", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := SetupWriter(config.LoggingConfig{Format: "text"}, &buf)
		require.NoError(t, err)
		logger.Info().Msg("started")
		assert.Contains(t, buf.String(), "started")
		assert.False(t, strings.HasPrefix(buf.String(), "{"))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, _, err := SetupWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestLogFunc(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := SetupWriter(config.LoggingConfig{Format: "json"}, &buf)
	require.NoError(t, err)

	LogFunc(logger, "poller")("[Poller:%s] poll failed", "all")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "poller", entry["component"])
	assert.Equal(t, "[Poller:all] poll failed", entry["message"])
}

func TestDebugLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	dl, err := NewDebugLogger(path)
	require.NoError(t, err)

	dl.SetFilter("backend, mqtt")
	assert.True(t, dl.Enabled("backend"))
	assert.True(t, dl.Enabled("stream"))
	assert.True(t, dl.Enabled("MQTT"))
	assert.False(t, dl.Enabled("kafka"))

	SetGlobalDebugLogger(dl)
	defer SetGlobalDebugLogger(nil)

	DebugLog("backend", "ccm1: %d tags", 12)
	DebugLog("kafka", "should be filtered")
	DebugConnectError("mqtt", "tcp://broker:1883", assert.AnError)
	require.NoError(t, dl.Close())

	DebugLog("backend", "after close")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(content)
	assert.Contains(t, s, "[backend] ccm1: 12 tags")
	assert.Contains(t, s, "CONNECT FAILED to tcp://broker:1883")
	assert.NotContains(t, s, "should be filtered")
	assert.NotContains(t, s, "after close")

	t.Run("all clears filter", func(t *testing.T) {
		dl2, err := NewDebugLogger(filepath.Join(t.TempDir(), "d.log"))
		require.NoError(t, err)
		defer dl2.Close()
		dl2.SetFilter("kafka")
		dl2.SetFilter("all")
		assert.True(t, dl2.Enabled("valkey"))
	})

	t.Run("nil logger", func(t *testing.T) {
		var nl *DebugLogger
		nl.Log("backend", "noop")
		assert.False(t, nl.Enabled("backend"))
		assert.NoError(t, nl.Close())
	})
}
