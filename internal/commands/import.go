package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

func newImportCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.zip>",
		Short: "Add the profiles from an exported archive",
		Long: `Import adds every profile in the archive to the store, overwriting saved
profiles with the same name. Nothing is imported unless the whole archive
verifies. Archives written by the earlier zip exporter are accepted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			names, err := a.store.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(names) == 0 {
				out(cmd, "The archive contains no profiles.")
				return nil
			}
			out(cmd, "Imported %d profile(s): %s", len(names), strings.Join(names, ", "))
			return nil
		},
	}
}
