package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Fetch new mail from every configured mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.Scan(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var parseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Pre-filter and extract one batch of unparsed receipts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.Parse(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Reconcile eligible receipts into subscription candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.CreateDetections(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run scan, parse and detect once",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context(), "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Service.RunCycle(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(scanCmd, parseCmd, detectCmd, cycleCmd)
}
