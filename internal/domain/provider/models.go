// Package provider defines the normalized view of upstream aggregators.
// Provider-specific payloads are decoded at the gateway boundary; nothing
// outside the gateway branches on provider names.
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Name identifies an upstream aggregator.
type Name string

const (
	Plaid         Name = "plaid"
	Teller        Name = "teller"
	GoCardless    Name = "gocardless"
	Stripe        Name = "stripe"
	EnableBanking Name = "enablebanking"
)

var validNames = map[Name]struct{}{
	Plaid:         {},
	Teller:        {},
	GoCardless:    {},
	Stripe:        {},
	EnableBanking: {},
}

func (n Name) Valid() bool {
	_, ok := validNames[n]
	return ok
}

// Normalized error codes reported in ConnectionStatus.ErrorCode.
const (
	CodeLoginRequired = "login_required"
	CodeExpired       = "expired"
	CodeRevoked       = "revoked"
	CodeInstitution   = "institution_error"
	CodeUnknown       = "unknown"
)

// ConnectionStatus is the result of a health check.
type ConnectionStatus struct {
	Healthy      bool
	ErrorCode    string
	ErrorMessage string
}

// NeedsLogin reports whether the user must re-authenticate.
func (s ConnectionStatus) NeedsLogin() bool {
	switch s.ErrorCode {
	case CodeLoginRequired, CodeExpired, CodeRevoked:
		return true
	}
	return false
}

// Balance is a normalized account balance.
type Balance struct {
	Current   decimal.Decimal
	Available *decimal.Decimal
	Currency  string
}

// Transaction is a normalized upstream transaction. Amount is negative when
// money left the account.
type Transaction struct {
	ID          string
	Amount      decimal.Decimal
	Currency    string
	Date        time.Time
	Name        string
	Description string
	Pending     bool
	Category    *string
}

// TransactionPage is one page of ListTransactions results.
type TransactionPage struct {
	Transactions []Transaction
	NextCursor   string
	// Dropped counts malformed records left out of Transactions.
	Dropped int
}

type StatusRequest struct {
	ConnectionID  string
	Provider      Name
	InstitutionID string
	Credential    string
}

type BalanceRequest struct {
	AccountID  string // provider-facing account id
	Provider   Name
	Credential string
}

type TransactionsRequest struct {
	AccountID  string
	Provider   Name
	Credential string
	LatestOnly bool
	Cursor     string
}

type DeleteRequest struct {
	ConnectionID string
	Provider     Name
	Credential   string
}

// Gateway is the capability every upstream aggregator integration exposes.
type Gateway interface {
	GetConnectionStatus(ctx context.Context, req StatusRequest) (*ConnectionStatus, error)
	ListAccountBalance(ctx context.Context, req BalanceRequest) (*Balance, error)
	ListTransactions(ctx context.Context, req TransactionsRequest) (*TransactionPage, error)
	DeleteConnection(ctx context.Context, req DeleteRequest) error
}
