package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workCmd = &cobra.Command{
	Use:         "work",
	Short:       "Claim and process one batch of jobs, then exit",
	Long:        "Runs a single bounded invocation suitable for cron or serverless triggers. Expired claims are swept before the batch is claimed, and the whole run is capped by orchestrator.invocation_timeout_secs.",
	Annotations: map[string]string{modeAnnotation: "work"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Orchestrator.InvocationTimeout())
		defer cancel()

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, _, err := env.Queue.Sweep(ctx); err != nil {
			zap.L().Warn("sweep stale claims", zap.Error(err))
		}

		n, err := env.Worker.RunOnce(ctx)
		zap.L().Info("work invocation finished", zap.Int("jobs", n), zap.Error(err))
		return err
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}
