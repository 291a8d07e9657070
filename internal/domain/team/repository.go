package team

import (
	"context"
	"time"
)

// Repository defines the interface for team and schedule data access
type Repository interface {
	GetByID(ctx context.Context, id string) (*Team, error)
	Delete(ctx context.Context, id string) error

	GetSchedule(ctx context.Context, teamID string) (*Schedule, error)
	CreateSchedule(ctx context.Context, s Schedule) (*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error
	DeleteSchedule(ctx context.Context, teamID string) error
}
