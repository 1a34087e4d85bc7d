package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/config"
)

// modeAnnotation selects the config validation profile of a command.
const modeAnnotation = "pricewatch/mode"

var (
	cfg        *config.Config
	policyFile string
)

var rootCmd = &cobra.Command{
	Use:   "pricewatch",
	Short: "Budget-aware SaaS pricing tracker",
	Long:  "Scrapes vendor pricing pages through a cost-ascending method hierarchy under daily, weekly and monthly spend caps, and normalizes the results to one comparable figure.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := c.Validate(commandMode(cmd)); err != nil {
			return err
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
	SilenceUsage: true,
}

// commandMode walks up from cmd to the first command carrying a mode
// annotation. Commands without one validate as "cli".
func commandMode(cmd *cobra.Command) string {
	for c := cmd; c != nil; c = c.Parent() {
		if m, ok := c.Annotations[modeAnnotation]; ok {
			return m
		}
	}
	return "cli"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyFile, "policies", "", "tier policy YAML file (overrides the tiers config section)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
