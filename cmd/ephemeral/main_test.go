package main

import (
	"testing"

	"github.com/i5heu/ephemeral/internal/config"
	"github.com/i5heu/ephemeral/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionModeFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, ok := readMode(dir)
	assert.False(t, ok)

	require.NoError(t, writeMode(dir, identity.ModeGuest))
	_, ok = readMode(dir)
	assert.False(t, ok, "guest sessions must not be recorded")

	require.NoError(t, writeMode(dir, identity.ModeReuse))
	mode, ok := readMode(dir)
	require.True(t, ok)
	assert.Equal(t, identity.ModeReuse, mode)
}

func TestResolveModePrefersFlag(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, writeMode(dir, identity.ModeReuse))
	n := config.Node{DataDir: dir, Mode: "createid"}

	mode, err := resolveMode(n, false)
	require.NoError(t, err)
	assert.Equal(t, identity.ModeReuse, mode)

	mode, err = resolveMode(n, true)
	require.NoError(t, err)
	assert.Equal(t, identity.ModeCreate, mode)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := loadConfig(nodeFlags{
		name:       "ada",
		listenAddr: "127.0.0.1:5000",
		keyBits:    2048,
		debug:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ada", cfg.Node.Name)
	assert.Equal(t, "127.0.0.1:5000", cfg.Node.ListenAddr)
	assert.Equal(t, 2048, cfg.Node.KeyBits)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
	assert.Equal(t, 10, cfg.Settings.MaxConnections)
}
