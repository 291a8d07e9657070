// Package job models the durable background job table that every sync
// trigger goes through.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind names a job handler.
type Kind string

const (
	KindSyncConnection           Kind = "sync.connection"
	KindSyncAccount              Kind = "sync.account"
	KindRecoverConnection        Kind = "connection.recover"
	KindInitialSetup             Kind = "connection.initial_setup"
	KindEnrichTransactions       Kind = "transactions.enrich"
	KindBalanceRefresh           Kind = "balance.refresh"
	KindBalanceRefreshConnection Kind = "balance.refresh_connection"
	KindHealthDisconnected       Kind = "health.disconnected"
	KindHealthExpiring           Kind = "health.expiring"
	KindScheduleTick             Kind = "schedule.tick"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("job not found")

// Job is one row of the durable job table.
type Job struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Attempts  int             `json:"attempts"`
	RunAt     time.Time       `json:"runAt"`
	LockedAt  *time.Time      `json:"lockedAt,omitempty"`
	LockedBy  *string         `json:"lockedBy,omitempty"`
	LastError *string         `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Request asks for a job to run after Delay.
type Request struct {
	Kind    Kind
	Payload any
	Delay   time.Duration
}

// Queue accepts job requests. Every call is fire-and-forget.
type Queue interface {
	Enqueue(ctx context.Context, req Request) (string, error)
	EnqueueBatch(ctx context.Context, reqs []Request) ([]string, error)
}

// ClaimParams selects due jobs for one dispatcher.
type ClaimParams struct {
	Now         time.Time
	WorkerID    string
	Limit       int
	StaleBefore time.Time // running jobs locked before this are reclaimed
}

// Repository defines the interface for job data access.
type Repository interface {
	Insert(ctx context.Context, jobs []*Job) error
	GetByID(ctx context.Context, id string) (*Job, error)

	// ClaimDue marks up to Limit due jobs as running, increments their
	// attempts and returns them. Concurrent dispatchers never receive the
	// same job.
	ClaimDue(ctx context.Context, params ClaimParams) ([]*Job, error)

	MarkSucceeded(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error

	// Release returns a claimed job to the queue without consuming an attempt.
	Release(ctx context.Context, id string, runAt time.Time) error
}
