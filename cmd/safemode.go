package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/subscout/internal/governor"
	"github.com/sells-group/subscout/internal/store"
)

var safeModeReason string

var safeModeCmd = &cobra.Command{
	Use:   "safe-mode",
	Short: "Inspect or toggle the pipeline safe-mode flag",
}

var safeModeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the effective safe-mode decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(gov *governor.Governor) error {
			d, err := gov.Check(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(d)
		})
	},
}

var safeModeEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Halt automated pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(gov *governor.Governor) error {
			g, err := gov.Enable(cmd.Context(), safeModeReason)
			if err != nil {
				return err
			}
			return printJSON(g)
		})
	},
}

var safeModeDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Resume automated pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGovernor(cmd.Context(), func(gov *governor.Governor) error {
			g, err := gov.Disable(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Governance.SafeMode {
				cmd.PrintErrln("warning: SUBSCOUT_GOVERNANCE_SAFE_MODE is set; runs stay halted")
			}
			return printJSON(g)
		})
	},
}

// withGovernor opens the store and runs fn with a governor bound to it.
func withGovernor(ctx context.Context, fn func(*governor.Governor) error) error {
	st, err := openMigratedStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck
	return fn(newGovernor(st, cfg.Governance, nil, nil))
}

func openMigratedStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func init() {
	safeModeEnableCmd.Flags().StringVar(&safeModeReason, "reason", "", "reason recorded with the flag (default manual)")
	safeModeCmd.AddCommand(safeModeStatusCmd, safeModeEnableCmd, safeModeDisableCmd)
	rootCmd.AddCommand(safeModeCmd)
}
