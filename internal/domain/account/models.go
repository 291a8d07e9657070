package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a single account under a connection.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusError        Status = "ERROR"
	StatusDisconnected Status = "DISCONNECTED"
)

// Domain errors
var (
	ErrNotFound       = errors.New("account not found")
	ErrInvalidBalance = errors.New("balance must be positive")
)

// Account is one balance-bearing account under a Connection.
type Account struct {
	ID               string
	ConnectionID     string
	ExternalID       string
	Name             string
	Type             string
	Currency         string
	Enabled          bool
	Status           Status
	BalanceCurrent   *decimal.Decimal
	BalanceAvailable *decimal.Decimal
	BalanceAverage   *decimal.Decimal
	MonthlyIncome    *decimal.Decimal
	MonthlySpending  *decimal.Decimal
	LastSyncedAt     *time.Time
	ErrorCount       int
	ErrorMessage     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BalanceUpdate carries a fresh balance. Applying it clears error fields.
type BalanceUpdate struct {
	Current   decimal.Decimal
	Available *decimal.Decimal
	At        time.Time
}

func (u BalanceUpdate) Validate() error {
	if !u.Current.IsPositive() {
		return ErrInvalidBalance
	}
	return nil
}

// ShouldPersistBalance reports whether a provider balance is worth storing.
// Zero and negative readings are treated as "no data" and leave the stored
// balance untouched.
func ShouldPersistBalance(current decimal.Decimal) bool {
	return current.IsPositive()
}
