package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "subscout",
	Short: "Subscription detection pipeline",
	Long:  "Scans linked mailboxes, pre-filters transactional email, extracts charges with two AI providers and a regex fallback, and turns recurring charges into subscription candidates behind a safe-mode governor.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
