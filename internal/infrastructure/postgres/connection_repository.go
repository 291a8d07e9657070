package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"finsync/internal/domain/connection"
	"finsync/internal/domain/provider"
)

// CredentialSealer encrypts credentials at rest.
type CredentialSealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

type ConnectionRepository struct {
	db     *DB
	sealer CredentialSealer
}

var _ connection.Repository = (*ConnectionRepository)(nil)

func NewConnectionRepository(db *DB, sealer CredentialSealer) *ConnectionRepository {
	return &ConnectionRepository{db: db, sealer: sealer}
}

const connectionColumns = `
	id, provider, institution_id, institution_name, credential, status,
	error_message, error_since, last_checked_at, last_accessed_at,
	last_notified_at, last_expiry_notified_at, notification_count,
	recovery_attempts, balance_last_updated, enabled, user_id, team_id,
	schedule_ref, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ConnectionRepository) scan(row rowScanner) (*connection.Connection, error) {
	var c connection.Connection
	var providerName, status, sealed string
	var errorMessage, teamID, scheduleRef sql.NullString
	var errorSince, checkedAt, accessedAt, notifiedAt, expiryNotifiedAt, balanceUpdated sql.NullTime

	err := row.Scan(
		&c.ID, &providerName, &c.InstitutionID, &c.InstitutionName, &sealed, &status,
		&errorMessage, &errorSince, &checkedAt, &accessedAt,
		&notifiedAt, &expiryNotifiedAt, &c.NotificationCount,
		&c.RecoveryAttempts, &balanceUpdated, &c.Enabled, &c.UserID, &teamID,
		&scheduleRef, &c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Provider = provider.Name(providerName)
	c.Status = connection.Status(status)
	c.ErrorMessage = stringPtr(errorMessage)
	c.TeamID = stringPtr(teamID)
	c.ScheduleRef = stringPtr(scheduleRef)
	c.ErrorSince = timePtr(errorSince)
	c.LastCheckedAt = timePtr(checkedAt)
	c.LastAccessedAt = timePtr(accessedAt)
	c.LastNotifiedAt = timePtr(notifiedAt)
	c.LastExpiryNotifiedAt = timePtr(expiryNotifiedAt)
	c.BalanceLastUpdated = timePtr(balanceUpdated)

	if r.sealer != nil {
		credential, err := r.sealer.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential for connection %s: %w", c.ID, err)
		}
		c.Credential = credential
	} else {
		c.Credential = sealed
	}

	return &c, nil
}

// seal returns the credential as stored. Without a sealer it is kept as is.
func (r *ConnectionRepository) seal(credential string) (string, error) {
	if r.sealer == nil {
		return credential, nil
	}
	sealed, err := r.sealer.Encrypt(credential)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt credential: %w", err)
	}
	return sealed, nil
}

// Create stores a new connection with its credential sealed.
func (r *ConnectionRepository) Create(ctx context.Context, c *connection.Connection) error {
	sealed, err := r.seal(c.Credential)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO connections (id, provider, institution_id, institution_name, credential,
		                         status, enabled, user_id, team_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING version, created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		c.ID, string(c.Provider), c.InstitutionID, c.InstitutionName, sealed,
		string(c.Status), c.Enabled, c.UserID, c.TeamID,
	).Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	c, err := r.scan(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, connection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

func (r *ConnectionRepository) List(ctx context.Context, filter connection.Filter) ([]*connection.Connection, error) {
	where, args := connectionFilterSQL(filter)
	query := `SELECT ` + connectionColumns + ` FROM connections` + where

	if filter.OrderByBalanceAge {
		query += ` ORDER BY balance_last_updated ASC NULLS FIRST, id`
	} else {
		query += ` ORDER BY id`
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var out []*connection.Connection
	for rows.Next() {
		c, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return out, nil
}

// connectionFilterSQL renders the WHERE clause for f. Zero fields add nothing.
func connectionFilterSQL(f connection.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.ReplaceAll(cond, "$?", "$"+strconv.Itoa(len(args))))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($?)", pq.Array(statuses))
	}
	if f.Enabled != nil {
		add("enabled = $?", *f.Enabled)
	}
	if f.TeamID != "" {
		add("team_id = $?", f.TeamID)
	}
	if f.NotifiedBefore != nil {
		add("(last_notified_at IS NULL OR last_notified_at < $?)", *f.NotifiedBefore)
	}
	if f.ExpiryNotifiedBefore != nil {
		add("(last_expiry_notified_at IS NULL OR last_expiry_notified_at < $?)", *f.ExpiryNotifiedBefore)
	}
	if f.AccessedBefore != nil {
		add("last_accessed_at < $?", *f.AccessedBefore)
	}
	if f.ErrorSinceBefore != nil {
		add("error_since <= $?", *f.ErrorSinceBefore)
	}
	if f.MinNotificationCount > 0 {
		add("notification_count >= $?", f.MinNotificationCount)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *ConnectionRepository) UpdateStatus(ctx context.Context, id string, upd connection.StatusUpdate) error {
	query := `
		UPDATE connections
		SET status = $1,
		    error_message = $2,
		    error_since = $3,
		    last_checked_at = COALESCE($4, last_checked_at),
		    last_accessed_at = COALESCE($5, last_accessed_at),
		    recovery_attempts = COALESCE($6, recovery_attempts),
		    enabled = COALESCE($7, enabled),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $8 AND version = $9
	`
	result, err := r.db.ExecContext(ctx, query,
		string(upd.Status), upd.ErrorMessage, upd.ErrorSince,
		upd.CheckedAt, upd.AccessedAt, upd.RecoveryAttempts, upd.Enabled,
		id, upd.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM connections WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check connection: %w", err)
	}
	if !exists {
		return connection.ErrNotFound
	}
	return connection.ErrVersionConflict
}

func (r *ConnectionRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET last_notified_at = $1, notification_count = notification_count + 1, updated_at = NOW()
		WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark connection notified: %w", err)
	}
	return rowsAffected(result, connection.ErrNotFound)
}

func (r *ConnectionRepository) MarkExpiryNotified(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, id, "last_expiry_notified_at", at)
}

func (r *ConnectionRepository) MarkBalanceUpdated(ctx context.Context, id string, at time.Time) error {
	return r.stamp(ctx, id, "balance_last_updated", at)
}

// stamp sets one timestamp column. column is always a constant.
func (r *ConnectionRepository) stamp(ctx context.Context, id, column string, at time.Time) error {
	query := `UPDATE connections SET ` + column + ` = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return rowsAffected(result, connection.ErrNotFound)
}

func (r *ConnectionRepository) SetScheduleRef(ctx context.Context, id, scheduleID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE connections SET schedule_ref = $1, updated_at = NOW() WHERE id = $2`,
		scheduleID, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set schedule ref: %w", err)
	}
	return rowsAffected(result, connection.ErrNotFound)
}

func (r *ConnectionRepository) DeleteByTeam(ctx context.Context, teamID string) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE team_id = $1`, teamID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete team connections: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
