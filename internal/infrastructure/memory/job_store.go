// Package memory holds process-local implementations used when no
// database-backed job store is configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"finsync/internal/domain/job"
)

// JobStore is an in-memory job.Repository. Jobs do not survive a restart.
type JobStore struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	onInsert func()
}

var _ job.Repository = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*job.Job)}
}

// OnInsert registers fn to run after every successful Insert.
func (s *JobStore) OnInsert(fn func()) {
	s.mu.Lock()
	s.onInsert = fn
	s.mu.Unlock()
}

func (s *JobStore) Insert(ctx context.Context, jobs []*job.Job) error {
	s.mu.Lock()
	for _, j := range jobs {
		s.jobs[j.ID] = clone(j)
	}
	notify := s.onInsert
	s.mu.Unlock()

	if notify != nil && len(jobs) > 0 {
		notify()
	}
	return nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return clone(j), nil
}

func (s *JobStore) ClaimDue(ctx context.Context, params job.ClaimParams) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == job.StatusQueued && !j.RunAt.After(params.Now):
			due = append(due, j)
		case j.Status == job.StatusRunning && j.LockedAt != nil && j.LockedAt.Before(params.StaleBefore):
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].ID < due[b].ID
		}
		return due[a].RunAt.Before(due[b].RunAt)
	})
	if params.Limit > 0 && len(due) > params.Limit {
		due = due[:params.Limit]
	}

	claimed := make([]*job.Job, 0, len(due))
	for _, j := range due {
		lockedAt := params.Now
		worker := params.WorkerID
		j.Status = job.StatusRunning
		j.Attempts++
		j.LockedAt = &lockedAt
		j.LockedBy = &worker
		j.UpdatedAt = params.Now
		claimed = append(claimed, clone(j))
	}
	return claimed, nil
}

func (s *JobStore) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusSucceeded
		j.LockedAt = nil
		j.LockedBy = nil
		j.LastError = nil
		j.UpdatedAt = at
	})
}

func (s *JobStore) MarkRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusQueued
		j.RunAt = runAt
		j.LockedAt = nil
		j.LockedBy = nil
		j.LastError = &errMsg
		j.UpdatedAt = time.Now().UTC()
	})
}

func (s *JobStore) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	return s.update(id, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.LockedAt = nil
		j.LockedBy = nil
		j.LastError = &errMsg
		j.UpdatedAt = at
	})
}

func (s *JobStore) Release(ctx context.Context, id string, runAt time.Time) error {
	return s.update(id, func(j *job.Job) {
		if j.Status != job.StatusRunning {
			return
		}
		j.Status = job.StatusQueued
		j.RunAt = runAt
		j.LockedAt = nil
		j.LockedBy = nil
		if j.Attempts > 0 {
			j.Attempts--
		}
	})
}

func (s *JobStore) update(id string, fn func(*job.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	fn(j)
	return nil
}

func clone(j *job.Job) *job.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	return &c
}
