package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueuer implements Queue on top of a Repository.
type Enqueuer struct {
	repo Repository
	now  func() time.Time
}

var _ Queue = (*Enqueuer)(nil)

func NewEnqueuer(repo Repository) *Enqueuer {
	return &Enqueuer{repo: repo, now: time.Now}
}

func (e *Enqueuer) Enqueue(ctx context.Context, req Request) (string, error) {
	ids, err := e.EnqueueBatch(ctx, []Request{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch inserts every request in one repository call.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, reqs []Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	now := e.now().UTC()
	jobs := make([]*Job, 0, len(reqs))
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if req.Kind == "" {
			return nil, fmt.Errorf("job kind is required")
		}
		if req.Delay < 0 {
			return nil, fmt.Errorf("job %s: negative delay %v", req.Kind, req.Delay)
		}
		payload, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", req.Kind, err)
		}
		j := &Job{
			ID:        uuid.NewString(),
			Kind:      req.Kind,
			Payload:   payload,
			Status:    StatusQueued,
			RunAt:     now.Add(req.Delay),
			CreatedAt: now,
			UpdatedAt: now,
		}
		jobs = append(jobs, j)
		ids = append(ids, j.ID)
	}

	if err := e.repo.Insert(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to enqueue %d jobs: %w", len(jobs), err)
	}
	return ids, nil
}
