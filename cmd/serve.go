package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/api"
	"github.com/sells-group/pricewatch/internal/monitoring"
	"github.com/sells-group/pricewatch/internal/queue"
)

var (
	servePort     int
	serveNoWorker bool
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the HTTP API, the queue worker and the stale-claim sweeper",
	Annotations: map[string]string{modeAnnotation: "serve"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, !serveNoWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.New(api.Deps{
				Jobs:        env.Queue,
				Budget:      env.Ledger,
				Vendors:     env.Store,
				Pinger:      env.Store,
				Gatherer:    env.Registry,
				CORSOrigins: cfg.Server.CORSOrigins,
			}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			runSweeper(gctx, env.Queue, time.Duration(cfg.Queue.SweepIntervalSecs)*time.Second)
			return nil
		})
		g.Go(func() error {
			collector := monitoring.NewCollector(env.Store, env.Metrics)
			monitoring.NewChecker(collector, env.Alerter, cfg.Monitoring).Run(gctx)
			return nil
		})
		if env.Worker != nil {
			g.Go(func() error {
				return env.Worker.Run(gctx, time.Duration(cfg.Queue.PollIntervalSecs)*time.Second)
			})
		}

		return g.Wait()
	},
}

// runSweeper requeues or fails jobs whose lease expired until ctx is done.
func runSweeper(ctx context.Context, q *queue.Queue, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := q.Sweep(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("sweep stale claims", zap.Error(err))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoWorker, "no-worker", false, "serve the API without claiming jobs")
	rootCmd.AddCommand(serveCmd)
}
