package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued scrape job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the persisted contract between the job-creating API and the worker.
type Job struct {
	ID             string          `json:"id"`
	VendorID       string          `json:"vendor_id"`
	Method         ScrapingMethod  `json:"method,omitempty"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewJob holds the fields a caller supplies when enqueueing.
type NewJob struct {
	VendorID    string         `json:"vendor_id"`
	Method      ScrapingMethod `json:"method,omitempty"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// QueueStats counts jobs by status.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
