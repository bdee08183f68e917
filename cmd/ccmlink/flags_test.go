package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ccmlink/config"
)

func parseTest(t *testing.T, args ...string) *options {
	t.Helper()
	fs := flag.NewFlagSet("ccmlink", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	o, err := parseFlagSet(fs, args)
	require.NoError(t, err)
	return o
}

func TestParseFlags(t *testing.T) {
	o := parseTest(t, "-d", "-backend", "http://10.0.0.5:8000", "-poll-rate", "2s", "-p", "9090")
	assert.True(t, o.headless)
	assert.Equal(t, "http://10.0.0.5:8000", o.backendURL)
	assert.Equal(t, 2*time.Second, o.pollRate)
	assert.Equal(t, 9090, o.httpPort)

	assert.True(t, parseTest(t, "-no-tui").headless)
	assert.False(t, parseTest(t).headless)
}

func TestApplyFlags(t *testing.T) {
	t.Run("ephemeral overrides", func(t *testing.T) {
		cfg := config.DefaultConfig()
		persist, err := applyFlags(cfg, parseTest(t, "-backend", "http://backend:8000", "-contract", "unified",
			"-no-api", "-log-level", "debug"))
		require.NoError(t, err)
		assert.False(t, persist)
		assert.Equal(t, "http://backend:8000", cfg.Backend.BaseURL)
		assert.Equal(t, "unified", cfg.Backend.Contract)
		assert.False(t, cfg.Web.API.Enabled)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("namespace is persisted", func(t *testing.T) {
		cfg := config.DefaultConfig()
		persist, err := applyFlags(cfg, parseTest(t, "-namespace", "silo-3"))
		require.NoError(t, err)
		assert.True(t, persist)
		assert.Equal(t, "silo-3", cfg.Namespace)
	})

	t.Run("invalid namespace", func(t *testing.T) {
		_, err := applyFlags(config.DefaultConfig(), parseTest(t, "-namespace", "a/b"))
		assert.Error(t, err)
	})

	t.Run("set secret", func(t *testing.T) {
		cfg := config.DefaultConfig()
		persist, err := applyFlags(cfg, parseTest(t, "-set-secret", "nova-senha"))
		require.NoError(t, err)
		assert.True(t, persist)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.Web.UI.SecretHash), []byte("nova-senha")))
	})
}
