package scheduler

import (
	"context"
	"time"
)

// Task is a unit of work executed by the worker pool.
type Task interface {
	// Execute runs the task. ctx carries the task's timeout.
	Execute(ctx context.Context) error

	// Key identifies the task in logs, usually the job id.
	Key() string

	Description() string

	// Timeout bounds Execute. Zero means the pool default.
	Timeout() time.Duration
}
