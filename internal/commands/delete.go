package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DDDHLA/cursor-switcher/internal/profile"
)

func newDeleteCmd(g *globalOptions) *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:     "delete <name>...",
		Short:   "Delete saved profiles",
		Aliases: []string{"rm"},
		Long: `Delete removes profiles from the store. The live login is left as it is;
deleting the current profile just means no profile is current any more.

--match selects profiles by wildcard pattern (* and ?), e.g. --match 'test-*'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && len(patterns) == 0 {
				return fmt.Errorf("give at least one profile name or --match pattern")
			}

			a, err := newApp(g)
			if err != nil {
				return err
			}

			var results []profile.DeleteResult
			if len(patterns) > 0 {
				results, err = a.store.DeleteMatching(cmd.Context(), args, patterns)
			} else {
				results, err = a.store.DeleteMany(cmd.Context(), args)
			}
			if err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "Failed: %v\n", r.Err)
					continue
				}
				out(cmd, "Deleted profile %q.", r.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d profile(s) could not be deleted", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&patterns, "match", nil, "Delete every profile matching this wildcard pattern (repeatable)")

	return cmd
}
