package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatusCmd(g *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show the current profile and logged-in account",
		Aliases: []string{"status_json"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			st, err := a.store.Status(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON || cmd.CalledAs() == "status_json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(st)
			}

			if st.CurrentProfile == nil {
				out(cmd, "No saved profile is active (logged in as %s).", st.CurrentEmail)
				return nil
			}
			out(cmd, "Current profile: %s (%s)", *st.CurrentProfile, st.CurrentEmail)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}
