package connection

import (
	"context"
	"time"
)

// Repository defines the interface for connection data access.
// Credentials are returned decrypted; implementations encrypt at rest.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Connection, error)
	List(ctx context.Context, filter Filter) ([]*Connection, error)

	// UpdateStatus applies upd if the stored version still equals
	// upd.ExpectedVersion, otherwise returns ErrVersionConflict.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error

	MarkNotified(ctx context.Context, id string, at time.Time) error
	MarkExpiryNotified(ctx context.Context, id string, at time.Time) error
	MarkBalanceUpdated(ctx context.Context, id string, at time.Time) error
	SetScheduleRef(ctx context.Context, id, scheduleID string) error

	DeleteByTeam(ctx context.Context, teamID string) (int, error)
}
