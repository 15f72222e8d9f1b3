package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"
)

func newExportCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.zip>",
		Short: "Write every saved profile into one zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(g)
			if err != nil {
				return err
			}
			n, err := a.store.Export(cmd.Context(), dest)
			if err != nil {
				return err
			}
			out(cmd, "Exported %d profile(s) to %s.", n, dest)
			return nil
		},
	}
}
