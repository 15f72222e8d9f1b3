package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
)

var version = "dev"

func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "cursor-switcher",
		Short: "Save and switch between Cursor accounts",
		Long: `cursor-switcher keeps named snapshots of Cursor's login and machine
identity files and swaps them in and out, so one installation can move
between several accounts without logging in again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.home, "home", "", "Profile store directory (default ~/.cursor-switcher)")
	cmd.PersistentFlags().StringVar(&g.liveDir, "live-dir", "", "Cursor globalStorage directory (default per platform)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format: auto, json, console")
	cmd.PersistentFlags().DurationVar(&g.lockTimeout, "lock-timeout", 0, "How long to wait for another invocation to finish")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newStatusCmd(g))
	cmd.AddCommand(newListCmd(g))
	cmd.AddCommand(newSaveCmd(g))
	cmd.AddCommand(newSwitchCmd(g))
	cmd.AddCommand(newResetCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newRenameCmd(g))
	cmd.AddCommand(newExportCmd(g))
	cmd.AddCommand(newImportCmd(g))
	cmd.AddCommand(newDoctorCmd(g))

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(serrors.ExitCode(err))
	}
}
