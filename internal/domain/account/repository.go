package account

import (
	"context"
	"time"
)

// Repository defines the interface for account data access
type Repository interface {
	GetByID(ctx context.Context, id string) (*Account, error)

	// ListEnabledByConnection returns enabled accounts of a connection.
	// An empty statuses slice matches every status.
	ListEnabledByConnection(ctx context.Context, connectionID string, statuses []Status) ([]*Account, error)

	UpdateBalance(ctx context.Context, id string, upd BalanceUpdate) error

	// RecordError increments the error counter and stores msg.
	RecordError(ctx context.Context, id string, msg string) error

	MarkSynced(ctx context.Context, id string, at time.Time) error

	// DisableByConnection sets enabled=false and status=DISCONNECTED on every
	// account of the connection.
	DisableByConnection(ctx context.Context, connectionID string) (int, error)
}
