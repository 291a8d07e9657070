package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"finsync/internal/domain/job"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newJob(id string, runAt time.Time) *job.Job {
	return &job.Job{
		ID:      id,
		Kind:    job.KindSyncConnection,
		Payload: []byte(`{"connectionId":"c1"}`),
		Status:  job.StatusQueued,
		RunAt:   runAt,
	}
}

func TestClaimDue_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	s.Insert(ctx, []*job.Job{
		newJob("late", base.Add(-time.Minute)),
		newJob("early", base.Add(-time.Hour)),
		newJob("future", base.Add(time.Hour)),
	})

	claimed, err := s.ClaimDue(ctx, job.ClaimParams{Now: base, WorkerID: "w1", Limit: 1, StaleBefore: base.Add(-10 * time.Minute)})
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "early" {
		t.Fatalf("claimed = %+v, want [early]", claimed)
	}
	if claimed[0].Status != job.StatusRunning || claimed[0].Attempts != 1 || *claimed[0].LockedBy != "w1" {
		t.Errorf("claimed job = %+v", claimed[0])
	}

	claimed, _ = s.ClaimDue(ctx, job.ClaimParams{Now: base, WorkerID: "w2", Limit: 10, StaleBefore: base.Add(-10 * time.Minute)})
	if len(claimed) != 1 || claimed[0].ID != "late" {
		t.Errorf("second claim = %+v, want [late]", claimed)
	}
}

func TestClaimDue_ReclaimsStale(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	s.Insert(ctx, []*job.Job{newJob("j1", base.Add(-time.Hour))})

	s.ClaimDue(ctx, job.ClaimParams{Now: base.Add(-30 * time.Minute), WorkerID: "dead", Limit: 1, StaleBefore: base.Add(-time.Hour)})

	claimed, _ := s.ClaimDue(ctx, job.ClaimParams{Now: base, WorkerID: "w1", Limit: 1, StaleBefore: base.Add(-10 * time.Minute)})
	if len(claimed) != 1 {
		t.Fatalf("stale job was not reclaimed")
	}
	if claimed[0].Attempts != 2 || *claimed[0].LockedBy != "w1" {
		t.Errorf("reclaimed = %+v", claimed[0])
	}
}

func TestClaimDue_NoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	for i := 0; i < 50; i++ {
		s.Insert(ctx, []*job.Job{newJob(fmt.Sprintf("job-%d", i), base.Add(-time.Minute))})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, _ := s.ClaimDue(ctx, job.ClaimParams{Now: base, WorkerID: "w", Limit: 20, StaleBefore: base.Add(-time.Hour)})
			mu.Lock()
			for _, j := range claimed {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Errorf("claimed %d distinct jobs, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	s.Insert(ctx, []*job.Job{newJob("j1", base)})
	s.ClaimDue(ctx, job.ClaimParams{Now: base, WorkerID: "w", Limit: 1})

	if err := s.MarkRetry(ctx, "j1", base.Add(time.Minute), "boom"); err != nil {
		t.Fatalf("MarkRetry() error = %v", err)
	}
	got, _ := s.GetByID(ctx, "j1")
	if got.Status != job.StatusQueued || *got.LastError != "boom" || !got.RunAt.Equal(base.Add(time.Minute)) {
		t.Errorf("after retry = %+v", got)
	}

	s.ClaimDue(ctx, job.ClaimParams{Now: base.Add(time.Minute), WorkerID: "w", Limit: 1})
	if err := s.Release(ctx, "j1", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	got, _ = s.GetByID(ctx, "j1")
	if got.Status != job.StatusQueued || got.Attempts != 1 {
		t.Errorf("after release = %+v, want queued with 1 attempt", got)
	}

	s.ClaimDue(ctx, job.ClaimParams{Now: base.Add(2 * time.Minute), WorkerID: "w", Limit: 1})
	s.MarkSucceeded(ctx, "j1", base.Add(3*time.Minute))
	got, _ = s.GetByID(ctx, "j1")
	if got.Status != job.StatusSucceeded || got.LockedBy != nil {
		t.Errorf("after success = %+v", got)
	}

	if err := s.MarkFailed(ctx, "missing", "x", base); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("MarkFailed(missing) error = %v, want ErrNotFound", err)
	}
}

func TestOnInsert(t *testing.T) {
	s := NewJobStore()
	calls := 0
	s.OnInsert(func() { calls++ })

	s.Insert(context.Background(), []*job.Job{newJob("a", base), newJob("b", base)})
	s.Insert(context.Background(), nil)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGetByID_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()
	s.Insert(ctx, []*job.Job{newJob("j1", base)})

	got, _ := s.GetByID(ctx, "j1")
	got.Status = job.StatusFailed

	again, _ := s.GetByID(ctx, "j1")
	if again.Status != job.StatusQueued {
		t.Error("store state mutated through returned job")
	}
}
