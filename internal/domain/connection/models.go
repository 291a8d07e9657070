package connection

import (
	"errors"
	"fmt"
	"time"

	"finsync/internal/domain/provider"
)

// Status is the health state of a connection.
type Status string

const (
	StatusActive            Status = "ACTIVE"
	StatusPending           Status = "PENDING"
	StatusError             Status = "ERROR"
	StatusLoginRequired     Status = "LOGIN_REQUIRED"
	StatusRequiresAttention Status = "REQUIRES_ATTENTION"
	StatusDisconnected      Status = "DISCONNECTED"
)

// ErrorStatuses are the states the disconnected sweep notifies about.
var ErrorStatuses = []Status{StatusError, StatusLoginRequired, StatusRequiresAttention}

// Domain errors
var (
	ErrNotFound          = errors.New("connection not found")
	ErrNoTeam            = errors.New("connection has no owning team")
	ErrDisabled          = errors.New("connection is disabled")
	ErrVersionConflict   = errors.New("connection was modified concurrently")
	ErrInvalidTransition = errors.New("invalid connection status transition")
)

// transitions lists the allowed target states per source state.
// DISCONNECTED is terminal and only reachable from the error family.
var transitions = map[Status][]Status{
	StatusPending:           {StatusActive, StatusError, StatusLoginRequired},
	StatusActive:            {StatusActive, StatusPending, StatusError, StatusLoginRequired, StatusRequiresAttention},
	StatusError:             {StatusActive, StatusPending, StatusError, StatusLoginRequired, StatusRequiresAttention, StatusDisconnected},
	StatusLoginRequired:     {StatusActive, StatusPending, StatusError, StatusLoginRequired, StatusRequiresAttention, StatusDisconnected},
	StatusRequiresAttention: {StatusActive, StatusPending, StatusError, StatusLoginRequired, StatusRequiresAttention, StatusDisconnected},
}

func (s Status) Valid() bool {
	if s == StatusDisconnected {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// IsErrorFamily reports whether s carries an error message.
func (s Status) IsErrorFamily() bool {
	switch s {
	case StatusError, StatusLoginRequired, StatusRequiresAttention, StatusDisconnected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Connection is a credentialed link to one upstream provider.
type Connection struct {
	ID                   string
	Provider             provider.Name
	InstitutionID        string
	InstitutionName      string
	Credential           string `json:"-"`
	Status               Status
	ErrorMessage         *string
	ErrorSince           *time.Time
	LastCheckedAt        *time.Time
	LastAccessedAt       *time.Time
	LastNotifiedAt       *time.Time
	LastExpiryNotifiedAt *time.Time
	NotificationCount    int
	RecoveryAttempts     int
	BalanceLastUpdated   *time.Time
	Enabled              bool
	UserID               string
	TeamID               *string
	ScheduleRef          *string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (c *Connection) HasTeam() bool {
	return c.TeamID != nil && *c.TeamID != ""
}

// DisplayName is used in notifications.
func (c *Connection) DisplayName() string {
	if c.InstitutionName != "" {
		return c.InstitutionName
	}
	return string(c.Provider)
}

// StatusUpdate is applied atomically, guarded by ExpectedVersion.
type StatusUpdate struct {
	Status           Status
	ErrorMessage     *string
	ErrorSince       *time.Time
	CheckedAt        *time.Time
	AccessedAt       *time.Time
	RecoveryAttempts *int
	Enabled          *bool
	ExpectedVersion  int64
}

// Transition builds the update moving c to the given status. Error-family
// states carry msg; ErrorSince is kept while the connection stays in the
// error family and cleared when it leaves it.
func (c *Connection) Transition(to Status, msg string, now time.Time) (StatusUpdate, error) {
	if !CanTransition(c.Status, to) {
		return StatusUpdate{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	upd := StatusUpdate{
		Status:          to,
		ExpectedVersion: c.Version,
	}

	if to.IsErrorFamily() {
		if msg == "" {
			msg = string(to)
		}
		upd.ErrorMessage = &msg
		if c.Status.IsErrorFamily() && c.ErrorSince != nil {
			since := *c.ErrorSince
			upd.ErrorSince = &since
		} else {
			since := now
			upd.ErrorSince = &since
		}
	}

	return upd, nil
}

// Filter selects connections for sweeps. Zero-valued fields are ignored.
type Filter struct {
	Statuses []Status
	Enabled  *bool
	TeamID   string

	// NotifiedBefore matches last_notified_at IS NULL OR < value.
	NotifiedBefore *time.Time
	// ExpiryNotifiedBefore matches last_expiry_notified_at IS NULL OR < value.
	ExpiryNotifiedBefore *time.Time
	// AccessedBefore matches last_accessed_at < value.
	AccessedBefore *time.Time
	// ErrorSinceBefore matches error_since <= value.
	ErrorSinceBefore     *time.Time
	MinNotificationCount int

	// OrderByBalanceAge sorts by balance_last_updated ascending, nulls first.
	OrderByBalanceAge bool
	Limit             int
}

// NotifiedWithin reports whether t is set and newer than now-window.
func NotifiedWithin(t *time.Time, now time.Time, window time.Duration) bool {
	return t != nil && now.Sub(*t) < window
}
