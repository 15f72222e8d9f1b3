package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DDDHLA/cursor-switcher/internal/live"
)

func newDoctorCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the live state and the profile store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			issues := 0

			// Live state
			acc := a.store.Live()
			if err := acc.Check(); err != nil {
				out(cmd, "[FAIL] Live state: %v", err)
				issues++
			} else {
				out(cmd, "[OK] Live state found: %s", acc.Dir())
				if email := acc.ReadIdentitySummary().Email; email != live.UnknownEmail {
					out(cmd, "[OK] Logged in as %s", email)
				} else {
					out(cmd, "[WARN] No logged-in account found")
				}
			}

			// Application
			running, err := a.target.IsRunning(ctx)
			switch {
			case err != nil:
				out(cmd, "[WARN] Could not check whether Cursor is running: %v", err)
			case running:
				out(cmd, "[WARN] Cursor is running (save, switch and reset need it closed or --restart)")
			default:
				out(cmd, "[OK] Cursor is not running")
			}

			// Store
			st, err := a.store.Status(ctx)
			if err != nil {
				out(cmd, "[FAIL] Profile store %s: %v", a.cfg.Home, err)
				issues++
			} else if st.CurrentProfile != nil {
				out(cmd, "[OK] Profile store %s (current: %s)", a.cfg.Home, *st.CurrentProfile)
			} else {
				out(cmd, "[OK] Profile store %s (no current profile)", a.cfg.Home)
			}

			// Payloads
			if err == nil {
				results, err := a.store.Verify(ctx)
				if err != nil {
					out(cmd, "[FAIL] Verify profiles: %v", err)
					issues++
				}
				bad := 0
				for _, r := range results {
					if r.Err != nil {
						bad++
						out(cmd, "[FAIL] Profile %q: %v", r.Name, r.Err)
					}
				}
				issues += bad
				if bad == 0 && err == nil {
					out(cmd, "[OK] %d profile(s) verified", len(results))
				}
			}

			out(cmd, "")
			if issues > 0 {
				out(cmd, "%d issue(s) found.", issues)
				return fmt.Errorf("doctor found %d issue(s)", issues)
			}
			out(cmd, "All checks passed.")
			return nil
		},
	}
}
