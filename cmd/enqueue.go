package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

var (
	enqueueMethod   string
	enqueuePriority int
	enqueueAll      bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [vendor-id...]",
	Short: "Queue scrape jobs for vendors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var method model.ScrapingMethod
		if enqueueMethod != "" {
			m, err := model.ParseMethod(enqueueMethod)
			if err != nil {
				return err
			}
			method = m
		}

		env, err := initEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		ids := args
		if enqueueAll {
			vendors, err := env.Store.ListVendors(ctx)
			if err != nil {
				return eris.Wrap(err, "list vendors")
			}
			ids = nil
			for _, v := range vendors {
				ids = append(ids, v.Config.VendorID)
			}
		}
		if len(ids) == 0 {
			return eris.New("no vendors given (pass ids or --all)")
		}

		jobs := make([]model.NewJob, 0, len(ids))
		for _, id := range ids {
			jobs = append(jobs, model.NewJob{VendorID: id, Method: method, Priority: enqueuePriority})
		}
		n, err := env.Queue.EnqueueMany(ctx, jobs)
		if err != nil {
			return eris.Wrap(err, "enqueue")
		}

		zap.L().Info("enqueued jobs", zap.Int64("count", n))
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d job(s)\n", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueMethod, "method", "", "preferred method for these jobs")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "job priority (higher runs first)")
	enqueueCmd.Flags().BoolVar(&enqueueAll, "all", false, "enqueue every known vendor")
	rootCmd.AddCommand(enqueueCmd)
}
