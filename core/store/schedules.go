package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// BackupSchedule is the metadata for an externally fired backup cron.
// The gateway validates the expression and computes run times; it never
// fires the cron itself.
type BackupSchedule struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connectionId"`
	CronExpr     string     `json:"cronExpr"`
	Retention    int        `json:"retention"`
	Options      string     `json:"options"` // backup options as JSON
	Enabled      bool       `json:"enabled"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// CreateSchedule persists a backup schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched *BackupSchedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backup_schedules (id, connection_id, cron_expr, retention, options, enabled, last_run, next_run, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.ConnectionID, sched.CronExpr, sched.Retention, sched.Options,
		sched.Enabled, sched.LastRun, sched.NextRun, now, now)
	if err != nil {
		return fmt.Errorf("insert backup schedule: %w", err)
	}
	return nil
}

// GetSchedule loads one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*BackupSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, cron_expr, retention, options, enabled, last_run, next_run, created_at, updated_at
		 FROM backup_schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFound("schedule", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load backup schedule: %w", err)
	}
	return sched, nil
}

// ListSchedules returns schedules, optionally filtered by connection.
func (s *Store) ListSchedules(ctx context.Context, connectionID string) ([]*BackupSchedule, error) {
	query := `SELECT id, connection_id, cron_expr, retention, options, enabled, last_run, next_run, created_at, updated_at
		 FROM backup_schedules ORDER BY created_at ASC`
	args := []any{}
	if connectionID != "" {
		query = `SELECT id, connection_id, cron_expr, retention, options, enabled, last_run, next_run, created_at, updated_at
		 FROM backup_schedules WHERE connection_id = ? ORDER BY created_at ASC`
		args = append(args, connectionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup schedules: %w", err)
	}
	defer rows.Close()

	var out []*BackupSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateSchedule rewrites a schedule's mutable fields.
func (s *Store) UpdateSchedule(ctx context.Context, sched *BackupSchedule) error {
	sched.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_schedules
		 SET cron_expr = ?, retention = ?, options = ?, enabled = ?, last_run = ?, next_run = ?, updated_at = ?
		 WHERE id = ?`,
		sched.CronExpr, sched.Retention, sched.Options, sched.Enabled,
		sched.LastRun, sched.NextRun, sched.UpdatedAt, sched.ID)
	if err != nil {
		return fmt.Errorf("update backup schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("schedule", sched.ID)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backup_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("schedule", id)
	}
	return nil
}

func scanSchedule(row rowScanner) (*BackupSchedule, error) {
	var (
		sched   BackupSchedule
		lastRun sql.NullTime
		nextRun sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.ConnectionID, &sched.CronExpr, &sched.Retention, &sched.Options,
		&sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRun = &t
	}
	return &sched, nil
}
