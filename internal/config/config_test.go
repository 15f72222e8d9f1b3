package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DDDHLA/cursor-switcher/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvHome, "")
	t.Setenv(config.EnvLiveDir, "")
	t.Setenv(config.EnvLockTimeout, "")
	t.Setenv(config.EnvProcess, "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".cursor-switcher"), cfg.Home)
	assert.Zero(t, cfg.LockTimeout)
	assert.Empty(t, cfg.EnvFile)
	assert.Contains(t, cfg.LiveDir, filepath.Join("Cursor", "User", "globalStorage"))
	assert.Empty(t, cfg.ProcessNames)
}

func TestLoadEnvOverrides(t *testing.T) {
	storeDir := t.TempDir()
	liveDir := t.TempDir()
	t.Setenv(config.EnvHome, storeDir)
	t.Setenv(config.EnvLiveDir, liveDir)
	t.Setenv(config.EnvLockTimeout, "250ms")
	t.Setenv(config.EnvProcess, "Cursor, cursor-helper")
	t.Setenv(config.EnvLogLevel, "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, storeDir, cfg.Home)
	assert.Equal(t, liveDir, cfg.LiveDir)
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, []string{"Cursor", "cursor-helper"}, cfg.ProcessNames)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvFile(t *testing.T) {
	storeDir := t.TempDir()
	t.Setenv(config.EnvHome, storeDir)
	t.Setenv(config.EnvLockTimeout, "")
	// Registered with t.Setenv so godotenv's os.Setenv is undone after the test.
	t.Setenv(config.EnvLogFormat, "")
	os.Unsetenv(config.EnvLogFormat)

	require.NoError(t, os.WriteFile(filepath.Join(storeDir, ".env"),
		[]byte(config.EnvLogFormat+"=console\n"), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, filepath.Join(storeDir, ".env"), cfg.EnvFile)
	assert.NoError(t, cfg.EnvFileErr)
}

func TestLoadReportsUnreadableEnvFile(t *testing.T) {
	storeDir := t.TempDir()
	t.Setenv(config.EnvHome, storeDir)
	t.Setenv(config.EnvLockTimeout, "")
	require.NoError(t, os.Mkdir(filepath.Join(storeDir, ".env"), 0o700))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(storeDir, ".env"), cfg.EnvFile)
	assert.Error(t, cfg.EnvFileErr)
}

func TestLoadRejectsBadTimeout(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvLockTimeout, "soon")

	_, err := config.Load()
	assert.Error(t, err)
}
