package commands

import (
	"github.com/spf13/cobra"

	"github.com/DDDHLA/cursor-switcher/internal/profile"
)

func newSwitchCmd(g *globalOptions) *cobra.Command {
	var opts profile.SwitchOptions
	var restart bool

	cmd := &cobra.Command{
		Use:   "switch <name>",
		Short: "Install a saved profile as the live login",
		Long: `Switch replaces Cursor's live identity files with the snapshot saved as
<name>. Unsaved changes to the current profile (such as refreshed tokens)
are saved back into it first. A login that belongs to no profile is
discarded unless --backup names a profile to keep it in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}

			var sum *profile.Summary
			err = a.withRestart(cmd.Context(), restart, func() error {
				var err error
				sum, err = a.store.Switch(cmd.Context(), args[0], opts)
				return err
			})
			if err != nil {
				return err
			}

			out(cmd, "Switched to %q (%s).", sum.Name, sum.Email)
			if opts.NewMachineID {
				out(cmd, "Machine identifiers were regenerated.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.BackupName, "backup", "", "Save an unmanaged login under this name before switching")
	cmd.Flags().BoolVar(&opts.NewMachineID, "new-machine-id", false, "Give the switched-to profile fresh machine identifiers")
	cmd.Flags().BoolVar(&restart, "restart", false, "Quit Cursor before switching and start it again afterwards")

	return cmd
}
