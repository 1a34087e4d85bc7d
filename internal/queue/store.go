// Package queue owns the scrape job lifecycle: enqueue, atomic claim with a
// lease, heartbeat, terminal status and the stale-claim sweep.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/pricewatch/internal/model"
)

// Store is the persisted side of the queue. DequeueNextJob must hand a
// given job to at most one worker per lease.
type Store interface {
	EnqueueJob(ctx context.Context, job model.NewJob) (*model.Job, error)
	EnqueueJobs(ctx context.Context, jobs []model.NewJob) (int64, error)
	// DequeueNextJob claims the highest-priority queued job, marks it
	// processing and increments its attempt count. It returns nil, nil
	// when the queue is empty.
	DequeueNextJob(ctx context.Context, workerID string, lease time.Duration) (*model.Job, error)
	// ExtendLease pushes the lease of a job still owned by workerID.
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result json.RawMessage, errMsg string) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetQueueStats(ctx context.Context) (model.QueueStats, error)
	// SweepStaleClaims requeues processing jobs whose lease expired before
	// now while attempts remain, and fails the rest.
	SweepStaleClaims(ctx context.Context, now time.Time) (requeued, failed int, err error)
}
