package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finsync/internal/domain/team"
)

type TeamRepository struct {
	db *DB
}

var _ team.Repository = (*TeamRepository)(nil)

func NewTeamRepository(db *DB) *TeamRepository {
	return &TeamRepository{db: db}
}

func (r *TeamRepository) GetByID(ctx context.Context, id string) (*team.Team, error) {
	var t team.Team
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, email, owner_user_id, created_at FROM teams WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Email, &t.OwnerUserID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, team.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &t, nil
}

func (r *TeamRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	return rowsAffected(result, team.ErrNotFound)
}

const scheduleColumns = `id, team_id, cadence_seconds, next_run_at, last_run_at, created_at`

func scanSchedule(row rowScanner) (*team.Schedule, error) {
	var s team.Schedule
	var cadenceSeconds int64
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.TeamID, &cadenceSeconds, &s.NextRunAt, &lastRun, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Cadence = time.Duration(cadenceSeconds) * time.Second
	s.LastRunAt = timePtr(lastRun)
	return &s, nil
}

func (r *TeamRepository) GetSchedule(ctx context.Context, teamID string) (*team.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM sync_schedules WHERE team_id = $1`, teamID,
	))
	if err == sql.ErrNoRows {
		return nil, team.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// CreateSchedule inserts the team's schedule. When a concurrent setup won
// the race the existing row is returned.
func (r *TeamRepository) CreateSchedule(ctx context.Context, s team.Schedule) (*team.Schedule, error) {
	created, err := scanSchedule(r.db.QueryRowContext(ctx, `
		INSERT INTO sync_schedules (id, team_id, cadence_seconds, next_run_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+scheduleColumns,
		s.ID, s.TeamID, int64(s.Cadence/time.Second), s.NextRunAt,
	))
	if err == nil {
		return created, nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return r.GetSchedule(ctx, s.TeamID)
	}
	return nil, fmt.Errorf("failed to create schedule: %w", err)
}

func (r *TeamRepository) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*team.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*team.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}
	return out, nil
}

func (r *TeamRepository) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sync_schedules SET last_run_at = $1, next_run_at = $2 WHERE id = $3`,
		lastRun, nextRun, id,
	)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	return rowsAffected(result, team.ErrScheduleNotFound)
}

func (r *TeamRepository) DeleteSchedule(ctx context.Context, teamID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sync_schedules WHERE team_id = $1`, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return rowsAffected(result, team.ErrScheduleNotFound)
}
