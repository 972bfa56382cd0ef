package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/subscout/internal/pipeline"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scans and parse/detect cycles on their configured intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		pipeline.SchedulerFromConfig(env.Service, cfg.Schedule).Run(ctx)
		zap.L().Info("schedule command exiting")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
