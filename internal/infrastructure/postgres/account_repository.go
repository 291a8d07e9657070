package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"finsync/internal/domain/account"
)

// AccountRepository implements account.Repository for PostgreSQL
type AccountRepository struct {
	db *DB
}

var _ account.Repository = (*AccountRepository)(nil)

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, connection_id, external_id, name, account_type, currency, enabled, status,
	balance_current, balance_available, balance_average, monthly_income, monthly_spending,
	last_synced_at, error_count, error_message, created_at, updated_at`

func scanAccount(row rowScanner) (*account.Account, error) {
	var a account.Account
	var status string
	var current, available, average, income, spending decimal.NullDecimal
	var syncedAt sql.NullTime
	var errorMessage sql.NullString

	err := row.Scan(
		&a.ID, &a.ConnectionID, &a.ExternalID, &a.Name, &a.Type, &a.Currency, &a.Enabled, &status,
		&current, &available, &average, &income, &spending,
		&syncedAt, &a.ErrorCount, &errorMessage, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = account.Status(status)
	a.BalanceCurrent = decimalPtr(current)
	a.BalanceAvailable = decimalPtr(available)
	a.BalanceAverage = decimalPtr(average)
	a.MonthlyIncome = decimalPtr(income)
	a.MonthlySpending = decimalPtr(spending)
	a.LastSyncedAt = timePtr(syncedAt)
	a.ErrorMessage = stringPtr(errorMessage)
	return &a, nil
}

// Create stores an account discovered under a connection.
func (r *AccountRepository) Create(ctx context.Context, a *account.Account) error {
	query := `
		INSERT INTO accounts (id, connection_id, external_id, name, account_type, currency, enabled, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		a.ID, a.ConnectionID, a.ExternalID, a.Name, a.Type, a.Currency, a.Enabled, string(a.Status),
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) ListEnabledByConnection(ctx context.Context, connectionID string, statuses []account.Status) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE connection_id = $1 AND enabled`
	args := []any{connectionID}

	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(values))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepository) UpdateBalance(ctx context.Context, id string, upd account.BalanceUpdate) error {
	if err := upd.Validate(); err != nil {
		return err
	}

	var available any
	if upd.Available != nil {
		available = upd.Available.String()
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance_current = $1,
		    balance_available = COALESCE($2::numeric, balance_available),
		    status = 'ACTIVE',
		    error_count = 0,
		    error_message = NULL,
		    updated_at = $3
		WHERE id = $4`,
		upd.Current.String(), available, upd.At, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	return rowsAffected(result, account.ErrNotFound)
}

func (r *AccountRepository) RecordError(ctx context.Context, id string, msg string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET error_count = error_count + 1, error_message = $1, status = 'ERROR', updated_at = NOW()
		WHERE id = $2`,
		msg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to record account error: %w", err)
	}
	return rowsAffected(result, account.ErrNotFound)
}

func (r *AccountRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}
	return rowsAffected(result, account.ErrNotFound)
}

func (r *AccountRepository) DisableByConnection(ctx context.Context, connectionID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET enabled = false, status = 'DISCONNECTED', updated_at = NOW()
		WHERE connection_id = $1 AND (enabled OR status <> 'DISCONNECTED')`,
		connectionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to disable accounts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

func decimalPtr(nd decimal.NullDecimal) *decimal.Decimal {
	if !nd.Valid {
		return nil
	}
	d := nd.Decimal
	return &d
}
