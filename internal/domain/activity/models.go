package activity

import (
	"context"
	"time"
)

// Actions recorded by the sync pipeline.
const (
	ActionManualSync           = "connection.manual_sync"
	ActionDisconnectedNotified = "connection.disconnected_notified"
	ActionExpiringNotified     = "connection.expiring_notified"
	ActionFlaggedAttention     = "connection.flagged_requires_attention"
	ActionDisabled             = "connection.disabled"
	ActionRecovered            = "connection.recovered"
	ActionRecoveryFailed       = "connection.recovery_failed"
	ActionTeamDeleted          = "team.deleted"
)

// Entry is an append-only audit log record.
type Entry struct {
	ID           string
	TeamID       string
	ConnectionID string
	Action       string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// Repository appends audit entries. Entries are never updated.
type Repository interface {
	Append(ctx context.Context, entry Entry) error
}
