package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/subscout/internal/model"
	"github.com/sells-group/subscout/internal/store"
)

var (
	candidatesUser   string
	candidatesStatus string
	candidatesLimit  int
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Review detected subscription candidates",
}

var candidatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		filter := store.CandidateFilter{
			UserID: candidatesUser,
			Status: model.CandidateStatus(candidatesStatus),
			Limit:  candidatesLimit,
		}
		if candidatesStatus == "all" {
			filter.Status = ""
		}
		cands, err := st.ListCandidates(cmd.Context(), filter)
		if err != nil {
			return err
		}
		return printJSON(cands)
	},
}

var candidatesAcceptCmd = &cobra.Command{
	Use:   "accept <id>",
	Short: "Accept a pending candidate as a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sub, err := st.AcceptCandidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(sub)
	},
}

var candidatesDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a pending candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		return st.DismissCandidate(cmd.Context(), args[0])
	},
}

func init() {
	candidatesListCmd.Flags().StringVar(&candidatesUser, "user", "", "filter by user id")
	candidatesListCmd.Flags().StringVar(&candidatesStatus, "status", string(model.CandidatePending), "pending, accepted, dismissed or all")
	candidatesListCmd.Flags().IntVar(&candidatesLimit, "limit", 100, "maximum rows")
	candidatesCmd.AddCommand(candidatesListCmd, candidatesAcceptCmd, candidatesDismissCmd)
	rootCmd.AddCommand(candidatesCmd)
}
