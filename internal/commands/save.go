package commands

import (
	"github.com/spf13/cobra"
)

func newSaveCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save <name>",
		Short: "Save the current login as a profile",
		Long: `Save copies Cursor's live identity files into the store under <name>,
replacing any profile of that name, and marks it as the current profile.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			sum, err := a.store.Save(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out(cmd, "Saved profile %q (%s).", sum.Name, sum.Email)
			return nil
		},
	}
}
