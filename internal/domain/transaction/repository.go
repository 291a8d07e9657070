package transaction

import (
	"context"
	"time"
)

// Repository defines the interface for transaction data access.
// Provider ids are unique per account only, so every lookup is scoped by
// account.
type Repository interface {
	// InsertBatch writes records, skipping (account, id) pairs that already
	// exist, and returns the ids that were actually created.
	InsertBatch(ctx context.Context, params []CreateParams) ([]string, error)

	// UpdateMutable refreshes pending flag, amount, date, name and
	// description of existing rows. Returns the number of rows changed.
	UpdateMutable(ctx context.Context, params []CreateParams) (int, error)

	// ListEnrichmentCandidates returns uncategorized expenses of accountID
	// among ids dated on or after since.
	ListEnrichmentCandidates(ctx context.Context, accountID string, ids []string, since time.Time) ([]*Transaction, error)

	SetCategory(ctx context.Context, accountID, id string, category string) error
}
