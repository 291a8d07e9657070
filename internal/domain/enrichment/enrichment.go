// Package enrichment describes the transaction categorization capability.
package enrichment

import (
	"context"

	"github.com/shopspring/decimal"
)

type Candidate struct {
	TransactionID string          `json:"transactionId"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type Result struct {
	TransactionID string  `json:"transactionId"`
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
}

// Scorer assigns categories to transactions.
type Scorer interface {
	Categorize(ctx context.Context, candidates []Candidate) ([]Result, error)
}
