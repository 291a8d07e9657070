package team

import (
	"errors"
	"time"
)

// DefaultCadence is the recurring sync interval for a new team schedule.
const DefaultCadence = 24 * time.Hour

var (
	ErrNotFound         = errors.New("team not found")
	ErrScheduleNotFound = errors.New("sync schedule not found")
)

type Team struct {
	ID          string
	Name        string
	Email       string
	OwnerUserID string
	CreatedAt   time.Time
}

// Schedule is a team's recurring sync, one row per team.
type Schedule struct {
	ID        string
	TeamID    string
	Cadence   time.Duration
	NextRunAt time.Time
	LastRunAt *time.Time
	CreatedAt time.Time
}

// Due reports whether the schedule should fire at now.
func (s *Schedule) Due(now time.Time) bool {
	return !s.NextRunAt.After(now)
}

// Advance returns the next run time after a run at now. Missed runs are
// not replayed.
func (s *Schedule) Advance(now time.Time) time.Time {
	cadence := s.Cadence
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	next := s.NextRunAt.Add(cadence)
	if !next.After(now) {
		next = now.Add(cadence)
	}
	return next
}
