package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/model"
	"github.com/sells-group/pricewatch/internal/queue"
)

// VendorSource loads vendor config and health. A missing vendor is
// (nil, nil).
type VendorSource interface {
	GetVendor(ctx context.Context, id string) (*model.Vendor, error)
}

// PeriodResetter rolls budget periods over before a batch runs.
type PeriodResetter interface {
	ResetPeriodsIfElapsed(ctx context.Context) ([]model.Period, error)
}

// Runner runs one scrape session.
type Runner interface {
	Run(ctx context.Context, vendor model.Vendor) (*model.ScrapeResult, error)
}

// WorkerConfig controls claiming.
type WorkerConfig struct {
	ID          string
	BatchSize   int
	Concurrency int
}

// Worker claims jobs from the queue and runs a session for each.
type Worker struct {
	cfg     WorkerConfig
	queue   *queue.Queue
	vendors VendorSource
	periods PeriodResetter
	runner  Runner
	nowFunc func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig, q *queue.Queue, vendors VendorSource, periods PeriodResetter, runner Runner) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{cfg: cfg, queue: q, vendors: vendors, periods: periods, runner: runner, nowFunc: time.Now}
}

// RunOnce claims up to BatchSize jobs and processes them with bounded
// concurrency. It returns how many jobs were claimed. Every claimed job is
// given a terminal status unless the queue itself fails; such jobs are
// recovered by the stale-claim sweep.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if _, err := w.periods.ResetPeriodsIfElapsed(ctx); err != nil {
		return 0, eris.Wrap(err, "worker: reset periods")
	}

	jobs, err := w.queue.Claim(ctx, w.cfg.ID, w.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "worker: claim")
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			return w.process(ctx, job)
		})
	}
	return len(jobs), g.Wait()
}

// Run polls the queue until ctx is done.
func (w *Worker) Run(ctx context.Context, poll time.Duration) error {
	log := zap.L().With(zap.String("worker_id", w.cfg.ID))
	log.Info("worker: started", zap.Duration("poll", poll), zap.Int("concurrency", w.cfg.Concurrency))

	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("worker: batch failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Info("worker: stopped")
			return nil
		case <-t.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, job *model.Job) error {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("vendor_id", job.VendorID),
		zap.Int("attempt", job.AttemptCount),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(runCtx, cancel, job.ID, log)
	}()
	defer func() {
		cancel()
		<-hbDone
	}()

	vendor, err := w.vendors.GetVendor(runCtx, job.VendorID)
	if err != nil {
		return eris.Wrapf(err, "worker: load vendor %s", job.VendorID)
	}
	if vendor == nil {
		log.Warn("worker: vendor not found")
		return w.fail(ctx, job, "vendor not found", nil)
	}
	if vendor.Health.QuarantinedAt(w.nowFunc()) {
		log.Info("worker: vendor quarantined, skipping")
		return w.fail(ctx, job, "vendor quarantined", nil)
	}
	if job.Method != "" {
		vendor.Config.PreferredMethods = append([]model.ScrapingMethod{job.Method}, vendor.Config.PreferredMethods...)
	}

	res, err := w.runner.Run(runCtx, *vendor)
	if runCtx.Err() != nil && ctx.Err() == nil {
		log.Warn("worker: lease lost during session, leaving job to its new owner")
		return nil
	}
	if err != nil {
		log.Error("worker: session aborted", zap.Error(err))
		if ferr := w.fail(ctx, job, err.Error(), nil); ferr != nil {
			return errors.Join(err, ferr)
		}
		return err
	}

	if res.Succeeded() {
		log.Info("worker: job completed", zap.String("method", string(res.MethodUsed)), zap.Int("attempts", res.Attempts))
		return eris.Wrap(w.queue.Complete(ctx, job.ID, res), "worker: complete")
	}
	msg := "scrape failed"
	if res.Error != nil {
		msg = res.Error.Message
	}
	log.Info("worker: job failed", zap.String("reason", msg), zap.Int("attempts", res.Attempts))
	return w.fail(ctx, job, msg, res)
}

func (w *Worker) fail(ctx context.Context, job *model.Job, msg string, res *model.ScrapeResult) error {
	var result any
	if res != nil {
		result = res
	}
	return eris.Wrap(w.queue.Fail(ctx, job.ID, msg, result), "worker: fail")
}

// heartbeat extends the lease at a third of its length. Losing the lease
// cancels the session so a redelivered copy is not raced.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, jobID string, log *zap.Logger) {
	every := w.queue.Lease() / 3
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.queue.Heartbeat(ctx, jobID, w.cfg.ID)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				log.Warn("worker: lease lost", zap.Error(err))
				cancel()
				return
			default:
				log.Warn("worker: heartbeat failed", zap.Error(err))
			}
		}
	}
}
