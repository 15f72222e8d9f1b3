package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/DDDHLA/cursor-switcher/internal/config"
	"github.com/DDDHLA/cursor-switcher/internal/live"
	"github.com/DDDHLA/cursor-switcher/internal/logging"
	"github.com/DDDHLA/cursor-switcher/internal/profile"
	"github.com/DDDHLA/cursor-switcher/internal/target"
)

// quitGrace is how long --restart waits for the application to exit before
// killing it.
const quitGrace = 10 * time.Second

// globalOptions holds the persistent flags; set flags win over config.
type globalOptions struct {
	home        string
	liveDir     string
	logLevel    string
	logFormat   string
	lockTimeout time.Duration
}

// app is what every command works with.
type app struct {
	cfg    *config.Config
	store  *profile.Store
	target *target.Client
	log    zerolog.Logger
}

func newApp(g *globalOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if g.home != "" {
		cfg.Home = g.home
	}
	if g.liveDir != "" {
		cfg.LiveDir = g.liveDir
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	if g.lockTimeout > 0 {
		cfg.LockTimeout = g.lockTimeout
	}

	logger := logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if cfg.EnvFileErr != nil {
		logger.Warn().Err(cfg.EnvFileErr).Str("file", cfg.EnvFile).Msg("Failed to load .env file")
	} else if cfg.EnvFile != "" {
		logger.Debug().Str("file", cfg.EnvFile).Msg("Loaded .env file")
	}
	client := target.NewClient(cfg.ProcessNames...)
	accessor := live.NewAccessor(live.Options{
		Dir:     cfg.LiveDir,
		WorkDir: cfg.WorkDir,
		Running: client.IsRunning,
		Logger:  logger,
	})

	return &app{
		cfg: cfg,
		store: profile.New(profile.Options{
			Home:        cfg.Home,
			Live:        accessor,
			LockTimeout: cfg.LockTimeout,
			Logger:      logger,
		}),
		target: client,
		log:    logger,
	}, nil
}

// withRestart runs fn, first quitting the application when restart is set
// and launching it again afterwards, even if fn failed.
func (a *app) withRestart(ctx context.Context, restart bool, fn func() error) error {
	if !restart {
		return fn()
	}

	if err := a.target.Quit(ctx, quitGrace); err != nil {
		return fmt.Errorf("quit application: %w", err)
	}
	runErr := fn()
	if err := a.target.Launch(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to relaunch application")
	}
	return runErr
}

func out(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
