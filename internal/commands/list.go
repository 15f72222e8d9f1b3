package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DDDHLA/cursor-switcher/internal/profile"
)

type listItem struct {
	Name       string  `json:"name"`
	Email      string  `json:"email"`
	IsCurrent  bool    `json:"is_current"`
	LastActive *string `json:"last_active"`
}

func newListCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	var sortBy string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "Show all saved profiles",
		Aliases: []string{"ls", "list_json"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch sortBy {
			case "name", "recent":
			default:
				return fmt.Errorf("invalid --sort %q: want name or recent", sortBy)
			}

			a, err := newApp(g)
			if err != nil {
				return err
			}
			profiles, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			if sortBy == "recent" {
				profile.SortByRecent(profiles)
			}

			items := make([]listItem, 0, len(profiles))
			for _, p := range profiles {
				item := listItem{Name: p.Name, Email: p.Email, IsCurrent: p.IsCurrent}
				if p.LastActive != nil {
					s := p.LastActive.Local().Format(profile.LegacyTimeLayout)
					item.LastActive = &s
				}
				items = append(items, item)
			}

			if asJSON || cmd.CalledAs() == "list_json" {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(items)
			}

			if len(items) == 0 {
				out(cmd, "No profiles saved. Create one with: cursor-switcher save <name>")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "\tNAME\tEMAIL\tLAST ACTIVE")
			for _, item := range items {
				marker, last := "", "never"
				if item.IsCurrent {
					marker = "*"
				}
				if item.LastActive != nil {
					last = *item.LastActive
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, item.Name, item.Email, last)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	cmd.Flags().StringVar(&sortBy, "sort", "name", "Order by name or recent")

	return cmd
}
