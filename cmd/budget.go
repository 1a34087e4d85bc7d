package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pricewatch/internal/model"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and control the spend ledger",
}

var budgetStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show spend and headroom per period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		ledgers, err := env.Ledger.AllStats(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "budget stats")
		}
		printLedgers(cmd.OutOrStdout(), ledgers)
		return nil
	},
}

var budgetResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Roll over every period whose window has elapsed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		reset, err := env.Ledger.ResetPeriodsIfElapsed(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "budget reset")
		}
		if len(reset) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no period elapsed")
			return nil
		}
		for _, p := range reset {
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", p)
		}
		return nil
	},
}

var shutdownReason string

var budgetShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Mark every period fully spent until its next reset",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.EmergencyShutdown(cmd.Context(), shutdownReason); err != nil {
			return eris.Wrap(err, "budget shutdown")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "budget shut down")
		return nil
	},
}

func printLedgers(out io.Writer, ledgers []model.PeriodLedger) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tLIMIT\tSPENT\tREMAINING\tUSED\tLAST RESET")
	for _, l := range ledgers {
		fmt.Fprintf(w, "%s\t$%.2f\t$%.2f\t$%.2f\t%.0f%%\t%s\n",
			l.Period, l.Limit, l.Spent, l.Remaining(), l.Utilization()*100,
			l.LastReset.UTC().Format("2006-01-02 15:04"))
	}
	_ = w.Flush()
}

func init() {
	budgetShutdownCmd.Flags().StringVar(&shutdownReason, "reason", "", "reason recorded with the shutdown (required)")
	_ = budgetShutdownCmd.MarkFlagRequired("reason")

	budgetCmd.AddCommand(budgetStatsCmd, budgetResetCmd, budgetShutdownCmd)
	rootCmd.AddCommand(budgetCmd)
}
