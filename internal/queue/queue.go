package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// ErrQueueUnavailable means the queue store failed or returned a row that
// does not decode into a valid job.
var ErrQueueUnavailable = eris.New("queue unavailable")

// ErrLeaseLost is returned by Heartbeat when the job is no longer owned by
// the worker.
var ErrLeaseLost = eris.New("queue: lease lost")

// ErrInvalidJob is returned when a job to enqueue is malformed.
var ErrInvalidJob = eris.New("invalid job")

// Queue validates everything crossing the store boundary.
type Queue struct {
	store       Store
	lease       time.Duration
	maxAttempts int
	nowFunc     func() time.Time
}

// New creates a Queue. lease and maxAttempts fall back to 90s and 3.
func New(store Store, lease time.Duration, maxAttempts int) *Queue {
	if lease <= 0 {
		lease = 90 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{store: store, lease: lease, maxAttempts: maxAttempts, nowFunc: time.Now}
}

// Lease returns the claim duration.
func (q *Queue) Lease() time.Duration { return q.lease }

// Enqueue validates and persists one job.
func (q *Queue) Enqueue(ctx context.Context, nj model.NewJob) (*model.Job, error) {
	nj, err := q.prepare(nj)
	if err != nil {
		return nil, err
	}
	job, err := q.store.EnqueueJob(ctx, nj)
	if err != nil {
		return nil, unavailable(err, "enqueue")
	}
	if err := validateJob(job); err != nil {
		return nil, unavailable(err, "enqueue")
	}
	zap.L().Debug("queue: enqueued", zap.String("job_id", job.ID), zap.String("vendor_id", job.VendorID))
	return job, nil
}

// EnqueueMany persists a batch of jobs.
func (q *Queue) EnqueueMany(ctx context.Context, jobs []model.NewJob) (int64, error) {
	prepared := make([]model.NewJob, 0, len(jobs))
	for _, nj := range jobs {
		p, err := q.prepare(nj)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, p)
	}
	n, err := q.store.EnqueueJobs(ctx, prepared)
	if err != nil {
		return 0, unavailable(err, "enqueue batch")
	}
	return n, nil
}

// Claim dequeues up to n jobs for workerID. It stops early when the queue
// runs dry.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]*model.Job, error) {
	var jobs []*model.Job
	for len(jobs) < n {
		job, err := q.store.DequeueNextJob(ctx, workerID, q.lease)
		if err != nil {
			return jobs, unavailable(err, "dequeue")
		}
		if job == nil {
			break
		}
		if err := validateClaim(job, workerID); err != nil {
			return jobs, unavailable(err, "dequeue")
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Heartbeat extends the lease on a claimed job.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string) error {
	if err := q.store.ExtendLease(ctx, jobID, workerID, q.lease); err != nil {
		if eris.Is(err, ErrLeaseLost) {
			return err
		}
		return unavailable(err, "extend lease")
	}
	return nil
}

// Complete marks a job completed with its result payload.
func (q *Queue) Complete(ctx context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "queue: marshal result")
	}
	if err := q.store.UpdateJobStatus(ctx, jobID, model.JobCompleted, raw, ""); err != nil {
		return unavailable(err, "complete")
	}
	return nil
}

// Fail marks a job failed. result may be nil.
func (q *Queue) Fail(ctx context.Context, jobID, msg string, result any) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "queue: marshal result")
		}
		raw = b
	}
	if msg == "" {
		msg = "job failed"
	}
	if err := q.store.UpdateJobStatus(ctx, jobID, model.JobFailed, raw, msg); err != nil {
		return unavailable(err, "fail")
	}
	return nil
}

// Get returns a job by id, or nil if it does not exist.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, unavailable(err, "get")
	}
	if job == nil {
		return nil, nil
	}
	if err := validateJob(job); err != nil {
		return nil, unavailable(err, "get")
	}
	return job, nil
}

// Stats returns counts by status.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	s, err := q.store.GetQueueStats(ctx)
	if err != nil {
		return model.QueueStats{}, unavailable(err, "stats")
	}
	if s.Queued < 0 || s.Processing < 0 || s.Completed < 0 || s.Failed < 0 {
		return model.QueueStats{}, unavailable(eris.New("negative count"), "stats")
	}
	return s, nil
}

// Sweep recovers jobs stranded by crashed workers.
func (q *Queue) Sweep(ctx context.Context) (requeued, failed int, err error) {
	requeued, failed, err = q.store.SweepStaleClaims(ctx, q.nowFunc().UTC())
	if err != nil {
		return 0, 0, unavailable(err, "sweep")
	}
	if requeued > 0 || failed > 0 {
		zap.L().Warn("queue: swept stale claims",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed),
		)
	}
	return requeued, failed, nil
}

func (q *Queue) prepare(nj model.NewJob) (model.NewJob, error) {
	if nj.VendorID == "" {
		return nj, eris.Wrap(ErrInvalidJob, "queue: vendor_id is required")
	}
	if nj.Method != "" && !nj.Method.Valid() {
		return nj, eris.Wrapf(ErrInvalidJob, "queue: unknown method %q", nj.Method)
	}
	if nj.MaxAttempts <= 0 {
		nj.MaxAttempts = q.maxAttempts
	}
	return nj, nil
}

func unavailable(err error, op string) error {
	return eris.Wrapf(ErrQueueUnavailable, "queue: %s: %v", op, err)
}

func validateJob(j *model.Job) error {
	if j == nil {
		return eris.New("nil job")
	}
	if j.ID == "" || j.VendorID == "" {
		return eris.New("job row missing id or vendor_id")
	}
	switch j.Status {
	case model.JobQueued, model.JobProcessing, model.JobCompleted, model.JobFailed:
	default:
		return eris.Errorf("job %s has unknown status %q", j.ID, j.Status)
	}
	return nil
}

func validateClaim(j *model.Job, workerID string) error {
	if err := validateJob(j); err != nil {
		return err
	}
	if j.Status != model.JobProcessing || j.ClaimedBy != workerID {
		return eris.Errorf("job %s claimed as %q by %q", j.ID, j.Status, j.ClaimedBy)
	}
	if j.LeaseExpiresAt == nil {
		return eris.Errorf("job %s claimed without a lease", j.ID)
	}
	return nil
}
