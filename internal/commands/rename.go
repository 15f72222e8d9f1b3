package commands

import (
	"github.com/spf13/cobra"
)

func newRenameCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a saved profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			if err := a.store.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			out(cmd, "Renamed profile %q to %q.", args[0], args[1])
			return nil
		},
	}
}
