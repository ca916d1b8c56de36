package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// Migration statuses.
const (
	MigrationPending    = "pending"
	MigrationApplied    = "applied"
	MigrationFailed     = "failed"
	MigrationRolledBack = "rolled_back"
)

// Migration is one versioned schema change for a connection. Version is
// assigned by the store at creation time and never changes.
type Migration struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connectionId"`
	Name         string     `json:"name"`
	Version      int64      `json:"version"`
	UpScript     string     `json:"upScript"`
	DownScript   string     `json:"downScript"`
	DependsOn    []string   `json:"dependsOn"`
	Status       string     `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	AppliedAt    *time.Time `json:"appliedAt,omitempty"`
}

// HistoryRecord is one immutable migration audit row.
type HistoryRecord struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connectionId"`
	MigrationID  string    `json:"migrationId"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// CreateMigration inserts a migration, assigning the next strictly
// increasing version for its connection inside one transaction.
func (s *Store) CreateMigration(ctx context.Context, m *Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM migrations WHERE connection_id = ?`,
		m.ConnectionID,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("assign version: %w", err)
	}

	deps, err := json.Marshal(m.DependsOn)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}

	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO migrations (id, connection_id, name, version, up_script, down_script, depends_on, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConnectionID, m.Name, version, m.UpScript, m.DownScript, string(deps), MigrationPending, now,
	)
	if err != nil {
		return fmt.Errorf("insert migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.Version = version
	m.Status = MigrationPending
	m.CreatedAt = now
	return nil
}

// GetMigration loads one migration by id.
func (s *Store) GetMigration(ctx context.Context, id string) (*Migration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, name, version, up_script, down_script, depends_on, status, last_error, created_at, applied_at
		 FROM migrations WHERE id = ?`, id)
	m, err := scanMigration(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFound("migration", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load migration: %w", err)
	}
	return m, nil
}

// ListMigrations returns every migration for a connection in ascending
// version order.
func (s *Store) ListMigrations(ctx context.Context, connectionID string) ([]*Migration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, name, version, up_script, down_script, depends_on, status, last_error, created_at, applied_at
		 FROM migrations WHERE connection_id = ? ORDER BY version ASC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var out []*Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMigration(row rowScanner) (*Migration, error) {
	var (
		m         Migration
		deps      string
		appliedAt sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConnectionID, &m.Name, &m.Version, &m.UpScript, &m.DownScript,
		&deps, &m.Status, &m.LastError, &m.CreatedAt, &appliedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(deps), &m.DependsOn); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		m.AppliedAt = &t
	}
	return &m, nil
}

// SetMigrationStatus transitions a migration's status, recording the
// error message and applied timestamp where relevant.
func (s *Store) SetMigrationStatus(ctx context.Context, id, status, lastError string, appliedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE migrations SET status = ?, last_error = ?, applied_at = COALESCE(?, applied_at) WHERE id = ?`,
		status, lastError, appliedAt, id)
	if err != nil {
		return fmt.Errorf("update migration status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("migration", id)
	}
	return nil
}

// TryAcquireLock attempts the advisory lock for a connection with a
// unique insert on the constant-key lock row. It never blocks: when the
// row exists the current holder is returned inside a LockHeldError.
func (s *Store) TryAcquireLock(ctx context.Context, connectionID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migration_lock (connection_id, holder, acquired_at) VALUES (?, ?, ?)`,
		connectionID, holder, time.Now().UTC())
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("acquire migration lock: %w", err)
	}

	var (
		currentHolder string
		acquiredAt    time.Time
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT holder, acquired_at FROM migration_lock WHERE connection_id = ?`, connectionID)
	if scanErr := row.Scan(&currentHolder, &acquiredAt); scanErr != nil {
		// Holder released between insert and select; report the conflict
		// without naming anyone rather than inventing a holder.
		return &apperrors.LockHeldError{ConnectionID: connectionID}
	}
	return &apperrors.LockHeldError{ConnectionID: connectionID, Holder: currentHolder, AcquiredAt: acquiredAt}
}

// ReleaseLock drops the advisory lock row when held by the given holder.
func (s *Store) ReleaseLock(ctx context.Context, connectionID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM migration_lock WHERE connection_id = ? AND holder = ?`, connectionID, holder)
	if err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// AppendHistory records one immutable migration audit row.
func (s *Store) AppendHistory(ctx context.Context, rec *HistoryRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO migration_history (connection_id, migration_id, action, detail, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ConnectionID, rec.MigrationID, rec.Action, rec.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append migration history: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// History returns the audit trail for a connection, oldest first.
func (s *Store) History(ctx context.Context, connectionID string) ([]*HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, migration_id, action, detail, occurred_at
		 FROM migration_history WHERE connection_id = ? ORDER BY id ASC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list migration history: %w", err)
	}
	defer rows.Close()

	var out []*HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.ConnectionID, &rec.MigrationID, &rec.Action, &rec.Detail, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
