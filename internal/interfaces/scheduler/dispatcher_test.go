package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"finsync/internal/domain/job"
	"finsync/internal/infrastructure/memory"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func noopHandler(ctx context.Context, j *job.Job) error { return nil }

type dispatcherFixture struct {
	store      *memory.JobStore
	pool       *WorkerPool
	dispatcher *Dispatcher
	registry   *Registry
}

func newDispatcherFixture(t *testing.T, queueSize int) *dispatcherFixture {
	t.Helper()
	store := memory.NewJobStore()
	registry := NewRegistry()
	// Not started: tests pull tasks off the channel and run them inline.
	pool := NewWorkerPool(1, 0, queueSize)
	d := NewDispatcher(store, registry, pool, DispatcherConfig{WorkerID: "test", BatchSize: 10})
	d.now = func() time.Time { return base }
	d.rnd = func() float64 { return 0.5 }
	return &dispatcherFixture{store: store, pool: pool, dispatcher: d, registry: registry}
}

func (f *dispatcherFixture) insert(t *testing.T, id string, kind job.Kind) {
	t.Helper()
	err := f.store.Insert(context.Background(), []*job.Job{{
		ID: id, Kind: kind, Payload: []byte(`{}`), Status: job.StatusQueued, RunAt: base.Add(-time.Second),
	}})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
}

// runQueued executes every submitted task on the calling goroutine.
func (f *dispatcherFixture) runQueued(ctx context.Context) {
	for {
		select {
		case task := <-f.pool.jobs:
			task.Execute(ctx)
		default:
			return
		}
	}
}

func (f *dispatcherFixture) get(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := f.store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s) error = %v", id, err)
	}
	return j
}

func TestDispatcher_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
		policy     RetryPolicy
		wantStatus job.Status
		wantRunAt  time.Time
	}{
		{
			name:       "success",
			wantStatus: job.StatusSucceeded,
		},
		{
			name:       "retryable error",
			handlerErr: errors.New("provider timeout"),
			policy:     RetryPolicy{MaxAttempts: 3, Factor: 2, MinBackoff: 10 * time.Second, MaxBackoff: time.Minute},
			wantStatus: job.StatusQueued,
			wantRunAt:  base.Add(10 * time.Second),
		},
		{
			name:       "permanent error",
			handlerErr: job.Permanent(errors.New("connection not found")),
			policy:     RetryPolicy{MaxAttempts: 3},
			wantStatus: job.StatusFailed,
		},
		{
			name:       "attempts exhausted",
			handlerErr: errors.New("still failing"),
			policy:     RetryPolicy{MaxAttempts: 1},
			wantStatus: job.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, 10)
			f.registry.Register(job.KindSyncConnection, Registration{
				Handler: func(ctx context.Context, j *job.Job) error { return tt.handlerErr },
				Policy:  tt.policy,
			})
			f.insert(t, "j1", job.KindSyncConnection)

			n, err := f.dispatcher.Poll(context.Background())
			if err != nil || n != 1 {
				t.Fatalf("Poll() = %d, %v", n, err)
			}
			f.runQueued(context.Background())

			got := f.get(t, "j1")
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if !tt.wantRunAt.IsZero() && !got.RunAt.Equal(tt.wantRunAt) {
				t.Errorf("RunAt = %v, want %v", got.RunAt, tt.wantRunAt)
			}
			if tt.handlerErr != nil && (got.LastError == nil || *got.LastError == "") {
				t.Error("LastError not recorded")
			}
		})
	}
}

func TestDispatcher_UnknownKindFails(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	f.insert(t, "j1", job.KindHealthExpiring)

	n, err := f.dispatcher.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n != 0 {
		t.Errorf("submitted = %d, want 0", n)
	}
	if got := f.get(t, "j1"); got.Status != job.StatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
}

func TestDispatcher_ClaimsOnlyFreeCapacity(t *testing.T) {
	f := newDispatcherFixture(t, 2)
	f.registry.Register(job.KindSyncAccount, Registration{Handler: noopHandler})
	for _, id := range []string{"a", "b", "c"} {
		f.insert(t, id, job.KindSyncAccount)
	}

	n, _ := f.dispatcher.Poll(context.Background())
	if n != 2 {
		t.Fatalf("first Poll() = %d, want 2", n)
	}
	if n, _ := f.dispatcher.Poll(context.Background()); n != 0 {
		t.Errorf("Poll() with full pool = %d, want 0", n)
	}

	f.runQueued(context.Background())
	if n, _ := f.dispatcher.Poll(context.Background()); n != 1 {
		t.Errorf("Poll() after drain = %d, want 1", n)
	}
}

func TestDispatcher_ReleasesOnShutdown(t *testing.T) {
	f := newDispatcherFixture(t, 10)
	f.registry.Register(job.KindSyncConnection, Registration{
		Handler: func(ctx context.Context, j *job.Job) error { return ctx.Err() },
	})
	f.insert(t, "j1", job.KindSyncConnection)

	if _, err := f.dispatcher.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.runQueued(ctx)

	got := f.get(t, "j1")
	if got.Status != job.StatusQueued || got.Attempts != 0 {
		t.Errorf("job = %+v, want queued with attempt returned", got)
	}
}

func TestDispatcher_RunProcessesJobs(t *testing.T) {
	store := memory.NewJobStore()
	registry := NewRegistry()
	done := make(chan string, 1)
	registry.Register(job.KindScheduleTick, Registration{
		Handler: func(ctx context.Context, j *job.Job) error {
			done <- j.ID
			return nil
		},
	})

	pool := NewWorkerPool(1, 0, 4)
	pool.Start()
	defer pool.Shutdown(time.Second)

	wake := make(chan struct{}, 1)
	d := NewDispatcher(store, registry, pool, DispatcherConfig{PollInterval: time.Hour})
	d.SetWakeup(wake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	ids, err := job.NewEnqueuer(store).EnqueueBatch(ctx, []job.Request{{Kind: job.KindScheduleTick, Payload: struct{}{}}})
	if err != nil {
		t.Fatalf("EnqueueBatch() error = %v", err)
	}
	wake <- struct{}{}

	select {
	case id := <-done:
		if id != ids[0] {
			t.Errorf("ran %s, want %s", id, ids[0])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job was not dispatched")
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
	}{
		{"short", "provider timeout", len("provider timeout")},
		{"ascii at limit", strings.Repeat("x", maxErrorLength+10), maxErrorLength},
		// 1999 bytes then a 2-byte rune straddling the limit
		{"two-byte rune at limit", strings.Repeat("x", maxErrorLength-1) + "é" + "tail", maxErrorLength - 1},
		// 1998 bytes then a 3-byte rune straddling the limit
		{"three-byte rune at limit", strings.Repeat("x", maxErrorLength-2) + "€" + "tail", maxErrorLength - 2},
		{"rune ending at limit", strings.Repeat("x", maxErrorLength-2) + "é" + "tail", maxErrorLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in)
			if len(got) != tt.wantLen {
				t.Errorf("len(truncate()) = %d, want %d", len(got), tt.wantLen)
			}
			if !utf8.ValidString(got) {
				t.Error("truncate() split a rune")
			}
			if !strings.HasPrefix(tt.in, got) {
				t.Error("truncate() should return a prefix")
			}
		})
	}
}
