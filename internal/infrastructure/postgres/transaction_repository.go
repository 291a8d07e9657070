package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finsync/internal/domain/transaction"
)

type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// transactionColumns holds the batch as parallel arrays for unnest.
type transactionColumns struct {
	ids          []string
	accountIDs   []string
	amounts      []string
	currencies   []string
	dates        []string
	names        []string
	descriptions []string
	pending      []bool
	categories   []sql.NullString
}

func splitTransactions(params []transaction.CreateParams) transactionColumns {
	n := len(params)
	cols := transactionColumns{
		ids:          make([]string, n),
		accountIDs:   make([]string, n),
		amounts:      make([]string, n),
		currencies:   make([]string, n),
		dates:        make([]string, n),
		names:        make([]string, n),
		descriptions: make([]string, n),
		pending:      make([]bool, n),
		categories:   make([]sql.NullString, n),
	}
	for i, p := range params {
		cols.ids[i] = p.ID
		cols.accountIDs[i] = p.AccountID
		cols.amounts[i] = p.Amount.String()
		cols.currencies[i] = p.Currency
		cols.dates[i] = p.Date.UTC().Format(time.RFC3339Nano)
		cols.names[i] = p.Name
		cols.descriptions[i] = p.Description
		cols.pending[i] = p.Pending
		if p.Category != nil {
			cols.categories[i] = sql.NullString{String: *p.Category, Valid: true}
		}
	}
	return cols
}

// InsertBatch writes the whole batch in one statement. Rows already stored
// for the same account are left untouched and absent from the returned slice.
func (r *TransactionRepository) InsertBatch(ctx context.Context, params []transaction.CreateParams) ([]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	cols := splitTransactions(params)

	query := `
		INSERT INTO transactions (id, account_id, amount, currency, date, name, description, pending, category)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::numeric[], $4::text[], $5::timestamptz[],
			$6::text[], $7::text[], $8::boolean[], $9::text[]
		)
		ON CONFLICT (account_id, id) DO NOTHING
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query,
		pq.Array(cols.ids), pq.Array(cols.accountIDs), pq.Array(cols.amounts),
		pq.Array(cols.currencies), pq.Array(cols.dates), pq.Array(cols.names),
		pq.Array(cols.descriptions), pq.Array(cols.pending), pq.Array(cols.categories),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transactions: %w", err)
	}
	defer rows.Close()

	created := make([]string, 0, len(params))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan inserted id: %w", err)
		}
		created = append(created, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inserted ids: %w", err)
	}
	return created, nil
}

// UpdateMutable only touches rows whose mutable fields actually changed.
func (r *TransactionRepository) UpdateMutable(ctx context.Context, params []transaction.CreateParams) (int, error) {
	if len(params) == 0 {
		return 0, nil
	}
	cols := splitTransactions(params)

	query := `
		UPDATE transactions AS t
		SET pending = u.pending,
		    amount = u.amount,
		    date = u.date,
		    name = u.name,
		    description = u.description,
		    updated_at = NOW()
		FROM unnest($1::text[], $2::text[], $3::numeric[], $4::timestamptz[], $5::text[], $6::text[], $7::boolean[])
		     AS u(id, account_id, amount, date, name, description, pending)
		WHERE t.account_id = u.account_id AND t.id = u.id
		  AND (t.pending IS DISTINCT FROM u.pending
		       OR t.amount IS DISTINCT FROM u.amount
		       OR t.date IS DISTINCT FROM u.date
		       OR t.name IS DISTINCT FROM u.name
		       OR t.description IS DISTINCT FROM u.description)
	`
	result, err := r.db.ExecContext(ctx, query,
		pq.Array(cols.ids), pq.Array(cols.accountIDs), pq.Array(cols.amounts), pq.Array(cols.dates),
		pq.Array(cols.names), pq.Array(cols.descriptions), pq.Array(cols.pending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update transactions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

func (r *TransactionRepository) ListEnrichmentCandidates(ctx context.Context, accountID string, ids []string, since time.Time) ([]*transaction.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, account_id, amount, currency, date, name, description, pending,
		       category, tags, notes, created_at, updated_at
		FROM transactions
		WHERE account_id = $1 AND id = ANY($2) AND category IS NULL AND amount < 0 AND date >= $3
		ORDER BY date DESC
	`
	rows, err := r.db.QueryContext(ctx, query, accountID, pq.Array(ids), since)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrichment candidates: %w", err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		var t transaction.Transaction
		var category, notes sql.NullString
		var tags pq.StringArray

		err := rows.Scan(
			&t.ID, &t.AccountID, &t.Amount, &t.Currency, &t.Date, &t.Name, &t.Description, &t.Pending,
			&category, &tags, &notes, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Category = stringPtr(category)
		t.Notes = stringPtr(notes)
		t.Tags = []string(tags)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return out, nil
}

func (r *TransactionRepository) SetCategory(ctx context.Context, accountID, id string, category string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET category = $1, updated_at = NOW() WHERE account_id = $2 AND id = $3`,
		category, accountID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set category: %w", err)
	}
	return rowsAffected(result, transaction.ErrNotFound)
}
