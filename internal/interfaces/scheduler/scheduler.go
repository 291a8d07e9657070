package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/job"
	"finsync/internal/shared/logging"
)

// ScheduleTime is a time of day in HH:MM.
type ScheduleTime struct {
	Hour   int
	Minute int
}

func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	_, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Entry enqueues Kind at every listed time of day, or every Every when
// Times is empty.
type Entry struct {
	Kind  job.Kind
	Times []string
	Every time.Duration
}

type entry struct {
	kind    job.Kind
	times   []ScheduleTime
	every   time.Duration
	lastKey string
	nextRun time.Time
}

// Scheduler turns wall-clock entries into queued jobs. It runs nothing
// itself; the dispatcher executes what it enqueues.
type Scheduler struct {
	queue        job.Queue
	entries      []*entry
	runOnStartup bool
	log          *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(queue job.Queue, entries []Entry, runOnStartup bool) (*Scheduler, error) {
	parsed := make([]*entry, 0, len(entries))
	for _, e := range entries {
		pe := &entry{kind: e.Kind, every: e.Every}
		for _, ts := range e.Times {
			st, err := ParseScheduleTime(ts)
			if err != nil {
				return nil, fmt.Errorf("failed to parse schedule time %q for %s: %w", ts, e.Kind, err)
			}
			pe.times = append(pe.times, st)
		}
		if len(pe.times) == 0 && pe.every <= 0 {
			return nil, fmt.Errorf("entry %s needs schedule times or an interval", e.Kind)
		}
		parsed = append(parsed, pe)
	}

	if len(parsed) == 0 {
		return nil, fmt.Errorf("at least one schedule entry is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:        queue,
		entries:      parsed,
		runOnStartup: runOnStartup,
		log:          logging.WithComponent("scheduler"),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

func (s *Scheduler) Start() {
	now := time.Now()
	s.mu.Lock()
	for _, e := range s.entries {
		if e.every > 0 && len(e.times) == 0 {
			e.nextRun = now.Add(e.every)
		}
		s.log.WithFields(logrus.Fields{
			"kind":  e.kind,
			"times": e.times,
			"every": e.every,
		}).Info("Schedule entry registered")
	}
	s.mu.Unlock()

	if s.runOnStartup {
		s.log.Info("Running every entry on startup")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			kinds := make([]job.Kind, 0, len(s.entries))
			for _, e := range s.entries {
				kinds = append(kinds, e.kind)
			}
			s.enqueue(kinds)
		}()
	}

	s.wg.Add(1)
	go s.scheduleLoop()
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if kinds := s.due(now); len(kinds) > 0 {
				s.enqueue(kinds)
			}
		}
	}
}

// due returns the kinds whose entry fires at now. A time-of-day entry fires
// at most once per matching minute.
func (s *Scheduler) due(now time.Time) []job.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kinds []job.Kind
	for _, e := range s.entries {
		if len(e.times) > 0 {
			key := now.Format("2006-01-02-15:04")
			if e.lastKey == key {
				continue
			}
			for _, st := range e.times {
				if now.Hour() == st.Hour && now.Minute() == st.Minute {
					e.lastKey = key
					kinds = append(kinds, e.kind)
					break
				}
			}
			continue
		}

		if !now.Before(e.nextRun) {
			e.nextRun = now.Add(e.every)
			kinds = append(kinds, e.kind)
		}
	}
	return kinds
}

func (s *Scheduler) enqueue(kinds []job.Kind) {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()

	reqs := make([]job.Request, 0, len(kinds))
	for _, k := range kinds {
		reqs = append(reqs, job.Request{Kind: k, Payload: struct{}{}})
	}
	ids, err := s.queue.EnqueueBatch(ctx, reqs)
	if err != nil {
		s.log.WithError(err).WithField("kinds", kinds).Error("Failed to enqueue scheduled jobs")
		return
	}
	s.log.WithFields(logrus.Fields{"kinds": kinds, "job_ids": ids}).Info("Scheduled jobs enqueued")
}

// TriggerNow enqueues kind immediately.
func (s *Scheduler) TriggerNow(kind job.Kind) {
	s.enqueue([]job.Kind{kind})
}

// Shutdown stops the loop, waiting at most timeout.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Scheduler stopped")
	case <-time.After(timeout):
		s.log.Warn("Timeout waiting for scheduler loop to stop")
	}
}

// NextRun returns the next time entry kind fires after now.
func (s *Scheduler) NextRun(kind job.Kind, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.kind != kind {
			continue
		}
		if len(e.times) == 0 {
			return e.nextRun
		}

		var next time.Time
		for _, st := range e.times {
			t := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
			if next.IsZero() || t.Before(next) {
				next = t
			}
		}
		return next
	}
	return time.Time{}
}
