package commands

import (
	"github.com/spf13/cobra"
)

func newResetCmd(g *globalOptions) *cobra.Command {
	var restart bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Log Cursor out and give it new machine identifiers",
		Long: `Reset removes the login tokens from Cursor's live state and regenerates
its machine identifiers, leaving a fresh, logged-out installation. Saved
profiles are not touched; no profile is current afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			err = a.withRestart(cmd.Context(), restart, func() error {
				return a.store.Reset(cmd.Context())
			})
			if err != nil {
				return err
			}
			out(cmd, "Cursor was logged out and given new machine identifiers.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "Quit Cursor before resetting and start it again afterwards")

	return cmd
}
