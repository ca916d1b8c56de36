package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// BackupRecord describes one backup artifact on disk.
type BackupRecord struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connectionId"`
	Format       string    `json:"format"`
	Compressed   bool      `json:"compressed"`
	Encrypted    bool      `json:"encrypted"`
	Path         string    `json:"path"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CreateBackup persists a backup record.
func (s *Store) CreateBackup(ctx context.Context, rec *BackupRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (id, connection_id, format, compressed, encrypted, path, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.Format, rec.Compressed, rec.Encrypted, rec.Path, rec.SizeBytes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert backup record: %w", err)
	}
	return nil
}

// GetBackup loads one backup record by id.
func (s *Store) GetBackup(ctx context.Context, id string) (*BackupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, format, compressed, encrypted, path, size_bytes, created_at
		 FROM backups WHERE id = ?`, id)
	rec, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFound("backup", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load backup record: %w", err)
	}
	return rec, nil
}

// ListBackups returns a connection's backup records, newest first. An
// empty connection id lists everything.
func (s *Store) ListBackups(ctx context.Context, connectionID string) ([]*BackupRecord, error) {
	query := `SELECT id, connection_id, format, compressed, encrypted, path, size_bytes, created_at
		 FROM backups ORDER BY created_at DESC, id DESC`
	args := []any{}
	if connectionID != "" {
		query = `SELECT id, connection_id, format, compressed, encrypted, path, size_bytes, created_at
		 FROM backups WHERE connection_id = ? ORDER BY created_at DESC, id DESC`
		args = append(args, connectionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup records: %w", err)
	}
	defer rows.Close()

	var out []*BackupRecord
	for rows.Next() {
		rec, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestBackupBefore returns the most recent backup with a timestamp at
// or before target.
func (s *Store) LatestBackupBefore(ctx context.Context, connectionID string, target time.Time) (*BackupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, format, compressed, encrypted, path, size_bytes, created_at
		 FROM backups WHERE connection_id = ? AND created_at <= ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`, connectionID, target)
	rec, err := scanBackup(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeNotFound,
			fmt.Sprintf("no backup for connection '%s' at or before %s", connectionID, target.Format(time.RFC3339)), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load backup record: %w", err)
	}
	return rec, nil
}

// DeleteBackup removes a backup record.
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete backup record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFound("backup", id)
	}
	return nil
}

func scanBackup(row rowScanner) (*BackupRecord, error) {
	var rec BackupRecord
	err := row.Scan(&rec.ID, &rec.ConnectionID, &rec.Format, &rec.Compressed, &rec.Encrypted,
		&rec.Path, &rec.SizeBytes, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
