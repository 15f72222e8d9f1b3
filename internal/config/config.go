// Package config resolves where the profile store and the live state live,
// plus the knobs for locking and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvHome        = "CURSOR_SWITCHER_HOME"
	EnvLiveDir     = "CURSOR_SWITCHER_LIVE_DIR"
	EnvWorkDir     = "CURSOR_SWITCHER_WORK_DIR"
	EnvProcess     = "CURSOR_SWITCHER_PROCESS"
	EnvLockTimeout = "CURSOR_SWITCHER_LOCK_TIMEOUT"
	EnvLogLevel    = "CURSOR_SWITCHER_LOG_LEVEL"
	EnvLogFormat   = "CURSOR_SWITCHER_LOG_FORMAT"
)

// Config is the resolved runtime configuration.
type Config struct {
	// Home is the profile store root.
	Home string
	// LiveDir is the application's globalStorage directory.
	LiveDir string
	// WorkDir is the live-side staging directory; empty means the default
	// sibling of LiveDir.
	WorkDir      string
	ProcessNames []string
	// LockTimeout of zero leaves the store's default in place.
	LockTimeout time.Duration
	LogLevel    string
	LogFormat   string

	// EnvFile is the .env file that was found in Home, if any, and
	// EnvFileErr why it could not be loaded. Logging is not configured yet
	// when Load runs, so callers report these.
	EnvFile    string
	EnvFileErr error
}

// Load builds the configuration from defaults, an optional .env file in
// the store root, and the environment. Variables already set in the
// environment win over the .env file.
func Load() (*Config, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".cursor-switcher")
	}
	home = expandHome(home)

	var envFile string
	var envErr error
	if path := filepath.Join(home, ".env"); fileExists(path) {
		envFile = path
		envErr = godotenv.Load(path)
	}

	liveDir := os.Getenv(EnvLiveDir)
	if liveDir == "" {
		var err error
		liveDir, err = DefaultLiveDir()
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Home:       home,
		LiveDir:    expandHome(liveDir),
		LogLevel:   envOrDefault(EnvLogLevel, "warn"),
		LogFormat:  envOrDefault(EnvLogFormat, "auto"),
		EnvFile:    envFile,
		EnvFileErr: envErr,
	}
	if v := os.Getenv(EnvWorkDir); v != "" {
		cfg.WorkDir = expandHome(v)
	}
	if v := os.Getenv(EnvProcess); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.ProcessNames = append(cfg.ProcessNames, name)
			}
		}
	}
	if v := os.Getenv(EnvLockTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid %s %q: want a duration such as 10s", EnvLockTimeout, v)
		}
		cfg.LockTimeout = d
	}

	return cfg, nil
}

// DefaultLiveDir returns the application's globalStorage directory for the
// current platform.
func DefaultLiveDir() (string, error) {
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(userHome, "Library", "Application Support", "Cursor", "User", "globalStorage"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(userHome, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Cursor", "User", "globalStorage"), nil
	default:
		base, err := os.UserConfigDir()
		if err != nil {
			base = filepath.Join(userHome, ".config")
		}
		return filepath.Join(base, "Cursor", "User", "globalStorage"), nil
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(userHome, path[1:])
	}
	return path
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
