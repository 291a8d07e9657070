package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"finsync/internal/domain/job"
	"finsync/internal/shared/logging"
)

const maxErrorLength = 2000

// DispatcherConfig tunes claiming.
type DispatcherConfig struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	// LockTimeout is how long a running job may go without finishing
	// before another dispatcher reclaims it.
	LockTimeout time.Duration
}

// Dispatcher moves due jobs from the store into the worker pool and records
// their outcome.
type Dispatcher struct {
	repo     job.Repository
	registry *Registry
	pool     *WorkerPool
	cfg      DispatcherConfig
	wake     <-chan struct{}
	log      *logrus.Entry
	now      func() time.Time
	rnd      func() float64
}

func NewDispatcher(repo job.Repository, registry *Registry, pool *WorkerPool, cfg DispatcherConfig) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "dispatcher-" + uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 15 * time.Minute
	}
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		pool:     pool,
		cfg:      cfg,
		log:      logging.WithComponent("dispatcher").WithField("worker", cfg.WorkerID),
		now:      time.Now,
		rnd:      rand.Float64,
	}
}

// SetWakeup makes the dispatcher poll as soon as ch delivers, in addition
// to the regular interval.
func (d *Dispatcher) SetWakeup(ch <-chan struct{}) {
	d.wake = ch
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.WithFields(logrus.Fields{
		"poll_interval": d.cfg.PollInterval,
		"kinds":         d.registry.Kinds(),
	}).Info("Dispatcher started")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			d.log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// drain keeps polling while full batches come back.
func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := d.Poll(ctx)
		if err != nil {
			d.log.WithError(err).Error("Failed to claim jobs")
			return
		}
		if n < d.cfg.BatchSize {
			return
		}
	}
}

// Poll claims up to one batch of due jobs and submits them. It returns how
// many were submitted.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	limit := d.cfg.BatchSize
	if free := d.pool.Available(); free < limit {
		limit = free
	}
	if limit <= 0 {
		return 0, nil
	}

	now := d.now().UTC()
	claimed, err := d.repo.ClaimDue(ctx, job.ClaimParams{
		Now:         now,
		WorkerID:    d.cfg.WorkerID,
		Limit:       limit,
		StaleBefore: now.Add(-d.cfg.LockTimeout),
	})
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, j := range claimed {
		reg, ok := d.registry.Lookup(j.Kind)
		if !ok {
			d.finish(ctx, j, reg, job.Permanent(fmt.Errorf("no handler registered for %s", j.Kind)))
			continue
		}
		if err := d.pool.Submit(&jobTask{dispatcher: d, job: j, reg: reg}); err != nil {
			d.log.WithError(err).WithField("job_id", j.ID).Warn("Releasing job")
			if err := d.repo.Release(context.WithoutCancel(ctx), j.ID, now); err != nil {
				d.log.WithError(err).WithField("job_id", j.ID).Error("Failed to release job")
			}
			continue
		}
		submitted++
	}
	return submitted, nil
}

// finish records the outcome of one run.
func (d *Dispatcher) finish(ctx context.Context, j *job.Job, reg Registration, runErr error) {
	store := context.WithoutCancel(ctx)
	now := d.now().UTC()
	log := d.log.WithFields(logrus.Fields{
		"job_id":   j.ID,
		"kind":     j.Kind,
		"attempts": j.Attempts,
	})

	var err error
	switch {
	case runErr == nil:
		err = d.repo.MarkSucceeded(store, j.ID, now)

	case errors.Is(runErr, context.Canceled) && ctx.Err() != nil:
		log.Info("Job interrupted by shutdown, releasing")
		err = d.repo.Release(store, j.ID, now)

	case job.IsPermanent(runErr) || reg.Policy.Exhausted(j.Attempts):
		log.WithError(runErr).Error("Job failed permanently")
		err = d.repo.MarkFailed(store, j.ID, truncate(runErr.Error()), now)

	default:
		delay := reg.Policy.Backoff(j.Attempts, d.rnd)
		log.WithError(runErr).WithField("retry_in", delay).Warn("Job failed, retrying")
		err = d.repo.MarkRetry(store, j.ID, now.Add(delay), truncate(runErr.Error()))
	}

	if err != nil {
		log.WithError(err).Error("Failed to record job outcome")
	}
}

// truncate caps s at maxErrorLength bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	n := maxErrorLength
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// jobTask adapts a claimed job to the worker pool.
type jobTask struct {
	dispatcher *Dispatcher
	job        *job.Job
	reg        Registration
}

func (t *jobTask) Execute(ctx context.Context) error {
	err := t.reg.Handler(ctx, t.job)
	t.dispatcher.finish(ctx, t.job, t.reg, err)
	return err
}

func (t *jobTask) Key() string { return t.job.ID }

func (t *jobTask) Description() string {
	return fmt.Sprintf("%s (attempt %d)", t.job.Kind, t.job.Attempts)
}

func (t *jobTask) Timeout() time.Duration { return t.reg.Timeout }
