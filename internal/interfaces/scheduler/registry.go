package scheduler

import (
	"context"
	"math"
	"sort"
	"time"

	"finsync/internal/domain/job"
)

// Handler executes one claimed job.
type Handler func(ctx context.Context, j *job.Job) error

// RetryPolicy decides how often and how late a failed job runs again.
type RetryPolicy struct {
	MaxAttempts int
	Factor      float64
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// DefaultRetryPolicy matches the connection sync job: 5 attempts starting
// at 1s, doubling, capped at 60s.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Factor:      2,
	MinBackoff:  time.Second,
	MaxBackoff:  time.Minute,
	Jitter:      true,
}

// Backoff returns the delay before the next run after the given number of
// attempts. rnd returns a value in [0,1) and is only used with Jitter.
func (p RetryPolicy) Backoff(attempts int, rnd func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.MinBackoff) * math.Pow(factor, float64(attempts-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	if p.Jitter && rnd != nil {
		delay = delay/2 + rnd()*delay/2
	}
	return time.Duration(delay)
}

// Exhausted reports whether a job that has run attempts times may not run again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Registration binds a handler to its retry policy and timeout.
type Registration struct {
	Handler Handler
	Policy  RetryPolicy
	Timeout time.Duration
}

// Registry maps job kinds to their registration.
type Registry struct {
	entries map[job.Kind]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[job.Kind]Registration)}
}

// Register adds or replaces the handler for kind. A zero policy falls back
// to DefaultRetryPolicy.
func (r *Registry) Register(kind job.Kind, reg Registration) {
	if reg.Policy.MaxAttempts <= 0 {
		reg.Policy = DefaultRetryPolicy
	}
	if reg.Timeout <= 0 {
		reg.Timeout = defaultTaskTimeout
	}
	r.entries[kind] = reg
}

func (r *Registry) Lookup(kind job.Kind) (Registration, bool) {
	reg, ok := r.entries[kind]
	return reg, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []job.Kind {
	kinds := make([]job.Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
