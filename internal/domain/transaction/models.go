package transaction

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/provider"
)

// EnrichmentWindow bounds how old a transaction may be to be sent for
// categorization after ingestion.
const EnrichmentWindow = 24 * time.Hour

var ErrNotFound = errors.New("transaction not found")

// Transaction is one ledger entry. ID is the provider-issued external id.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Pending     bool            `json:"pending"`
	Category    *string         `json:"category,omitempty"`
	Tags        []string        `json:"tags"`
	Notes       *string         `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsExpense reports whether the amount counts as spending for enrichment.
func (t *Transaction) IsExpense() bool {
	return t.Amount.IsNegative()
}

// IsEnrichmentCandidate reports whether t should be sent for categorization.
func (t *Transaction) IsEnrichmentCandidate(now time.Time) bool {
	return t.Category == nil && t.IsExpense() && !t.Date.Before(now.Add(-EnrichmentWindow))
}

// CreateParams is the ledger-shaped record written by the ingestor.
type CreateParams struct {
	ID          string          `validate:"required,max=255"`
	AccountID   string          `validate:"required"`
	Amount      decimal.Decimal `validate:"-"`
	Currency    string          `validate:"required,len=3,uppercase"`
	Date        time.Time       `validate:"required"`
	Name        string          `validate:"required,max=512"`
	Description string          `validate:"max=2048"`
	Pending     bool
	Category    *string `validate:"omitempty,max=128"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks the record shape. Offending records are dropped by the
// ingestor rather than failing the batch.
func (p CreateParams) Validate() error {
	if err := getValidator().Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid transaction %q: %s", p.ID, strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// FromProvider maps a normalized provider record onto the ledger schema.
func FromProvider(accountID string, t provider.Transaction) CreateParams {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		name = strings.TrimSpace(t.Description)
	}
	return CreateParams{
		ID:          t.ID,
		AccountID:   accountID,
		Amount:      t.Amount,
		Currency:    strings.ToUpper(t.Currency),
		Date:        t.Date,
		Name:        name,
		Description: t.Description,
		Pending:     t.Pending,
		Category:    t.Category,
	}
}
