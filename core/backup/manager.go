package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/logger"
	"github.com/dbridge-io/dbridge/core/metrics"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/shared/sqltext"
	"github.com/dbridge-io/dbridge/core/store"
)

// Backup formats.
const (
	FormatSQL  = "sql"
	FormatJSON = "json"
)

// Options control how a backup artifact is produced.
type Options struct {
	Format        string `json:"format"`
	Compress      bool   `json:"compress"`
	SchemaOnly    bool   `json:"schemaOnly"`
	DataOnly      bool   `json:"dataOnly"`
	EncryptionKey []byte `json:"-"`
}

// RestoreReport summarizes a best-effort restore: statements that failed
// are collected rather than aborting the run.
type RestoreReport struct {
	Statements int      `json:"statements"`
	Applied    int      `json:"applied"`
	Errors     []string `json:"errors,omitempty"`
}

// Manager produces, restores and retires backup artifacts. Artifact
// metadata lives in the metadata store; the bytes live under backupDir.
type Manager struct {
	registry  *registry.Registry
	store     *store.Store
	backupDir string
	log       *logger.Logger
}

// New creates a backup manager writing artifacts under backupDir.
func New(reg *registry.Registry, st *store.Store, backupDir string) *Manager {
	return &Manager{
		registry:  reg,
		store:     st,
		backupDir: backupDir,
		log:       logger.New("backup"),
	}
}

// Create dumps a connection into a new artifact and records it. SQL
// format requires a backend that speaks SQL; JSON works for any backend
// that can enumerate tables.
func (m *Manager) Create(ctx context.Context, connectionID string, opts Options) (*store.BackupRecord, error) {
	if opts.Format == "" {
		opts.Format = FormatSQL
	}
	if opts.Format != FormatSQL && opts.Format != FormatJSON {
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown backup format '%s'", opts.Format), nil)
	}
	if opts.SchemaOnly && opts.DataOnly {
		return nil, apperrors.NewValidation("schemaOnly and dataOnly are mutually exclusive", nil)
	}

	conn, err := m.registry.Get(connectionID)
	if err != nil {
		return nil, err
	}
	adapter, err := m.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}

	if opts.Format == FormatSQL {
		switch conn.Kind {
		case adapters.KindMongoDB, adapters.KindRedis:
			return nil, apperrors.NewNotSupported(string(conn.Kind), "SQL format backups")
		}
	}

	var data []byte
	switch opts.Format {
	case FormatSQL:
		data, err = sqlDump(ctx, adapter, opts.SchemaOnly, opts.DataOnly)
	case FormatJSON:
		data, err = jsonDump(ctx, adapter, opts.SchemaOnly, opts.DataOnly)
	}
	if err != nil {
		return nil, err
	}

	if opts.Compress {
		if data, err = compress(data); err != nil {
			return nil, fmt.Errorf("compress backup: %w", err)
		}
	}
	if len(opts.EncryptionKey) > 0 {
		if data, err = encrypt(data, opts.EncryptionKey); err != nil {
			return nil, err
		}
	}

	// uuid suffix keeps artifacts from the same second apart
	name := fmt.Sprintf("%s-%s-%s.%s",
		connectionID, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8], opts.Format)
	if opts.Compress {
		name += ".gz"
	}
	if len(opts.EncryptionKey) > 0 {
		name += ".enc"
	}
	path := filepath.Join(m.backupDir, name)

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write backup artifact: %w", err)
	}

	rec := &store.BackupRecord{
		ConnectionID: connectionID,
		Format:       opts.Format,
		Compressed:   opts.Compress,
		Encrypted:    len(opts.EncryptionKey) > 0,
		Path:         path,
		SizeBytes:    int64(len(data)),
	}
	if err := m.store.CreateBackup(ctx, rec); err != nil {
		os.Remove(path)
		return nil, err
	}

	metrics.AddBackupBytes(connectionID, opts.Format, rec.SizeBytes)
	m.log.Infof("backup %s for %s written (%d bytes)", rec.ID, connectionID, rec.SizeBytes)
	return rec, nil
}

// Get loads one backup record.
func (m *Manager) Get(ctx context.Context, id string) (*store.BackupRecord, error) {
	return m.store.GetBackup(ctx, id)
}

// List returns backup records newest first; an empty connection id lists
// everything.
func (m *Manager) List(ctx context.Context, connectionID string) ([]*store.BackupRecord, error) {
	return m.store.ListBackups(ctx, connectionID)
}

// Delete removes the record and its artifact. A missing artifact is not
// an error; the record is gone either way.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteBackup(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		m.log.Warnf("removing backup artifact %s: %v", rec.Path, err)
	}
	return nil
}

// ArtifactPath returns the filesystem location of a backup's bytes for
// download-style collaborators.
func (m *Manager) ArtifactPath(ctx context.Context, id string) (string, error) {
	rec, err := m.store.GetBackup(ctx, id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return "", apperrors.NewNotFound("backup artifact", rec.Path)
	}
	return rec.Path, nil
}

// Restore replays an artifact against a connection. The run is best
// effort: a failing statement is recorded and the rest continue, and a
// PARTIAL_FAILURE error summarizes any failures.
func (m *Manager) Restore(ctx context.Context, backupID, connectionID string, key []byte) (*RestoreReport, error) {
	rec, err := m.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	adapter, err := m.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}

	data, err := m.readArtifact(rec, key)
	if err != nil {
		return nil, err
	}

	switch rec.Format {
	case FormatSQL:
		return m.restoreSQL(ctx, adapter, data)
	case FormatJSON:
		return m.restoreJSON(ctx, adapter, data)
	default:
		return nil, apperrors.NewValidation(fmt.Sprintf("unknown backup format '%s'", rec.Format), nil)
	}
}

// RecoverToPoint restores the most recent backup taken at or before the
// target time, returning the backup it chose.
func (m *Manager) RecoverToPoint(ctx context.Context, connectionID string, target time.Time, key []byte) (*store.BackupRecord, *RestoreReport, error) {
	rec, err := m.store.LatestBackupBefore(ctx, connectionID, target)
	if err != nil {
		return nil, nil, err
	}
	report, err := m.Restore(ctx, rec.ID, connectionID, key)
	return rec, report, err
}

func (m *Manager) readArtifact(rec *store.BackupRecord, key []byte) ([]byte, error) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("read backup artifact: %w", err)
	}
	if rec.Encrypted {
		if len(key) == 0 {
			return nil, apperrors.NewValidation("backup is encrypted; a key is required", nil)
		}
		if data, err = decrypt(data, key); err != nil {
			return nil, err
		}
	}
	if rec.Compressed {
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decompress backup artifact: %w", err)
		}
	}
	return data, nil
}

func (m *Manager) restoreSQL(ctx context.Context, adapter adapters.Adapter, data []byte) (*RestoreReport, error) {
	statements := sqltext.SplitStatements(string(data))
	report := &RestoreReport{Statements: len(statements)}

	for i, stmt := range statements {
		if _, err := adapter.ExecuteQuery(ctx, stmt); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("statement %d: %v", i+1, err))
			continue
		}
		report.Applied++
	}

	if len(report.Errors) > 0 {
		return report, apperrors.NewPartialFailure("restore", len(report.Errors), report.Statements)
	}
	return report, nil
}

func (m *Manager) restoreJSON(ctx context.Context, adapter adapters.Adapter, data []byte) (*RestoreReport, error) {
	var dump map[string]*tableDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, apperrors.NewValidation("backup artifact is not valid JSON", err)
	}

	tables := make([]string, 0, len(dump))
	for table := range dump {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	report := &RestoreReport{}
	for _, table := range tables {
		td := dump[table]
		if len(td.Rows) == 0 {
			continue
		}
		report.Statements++

		columns := dumpColumns(td)
		rows := make([][]any, len(td.Rows))
		for i, row := range td.Rows {
			values := make([]any, len(columns))
			for j, col := range columns {
				values[j] = row[col]
			}
			rows[i] = values
		}

		if _, err := adapter.InsertRows(ctx, table, columns, rows); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("table %s: %v", table, err))
			continue
		}
		report.Applied++
	}

	if len(report.Errors) > 0 {
		return report, apperrors.NewPartialFailure("restore", len(report.Errors), report.Statements)
	}
	return report, nil
}

// dumpColumns resolves the column order for a table dump: the recorded
// schema when present, otherwise the sorted keys of the first row.
func dumpColumns(td *tableDump) []string {
	if td.Schema != nil && len(td.Schema.Columns) > 0 {
		cols := make([]string, len(td.Schema.Columns))
		for i, c := range td.Schema.Columns {
			cols[i] = c.Name
		}
		return cols
	}
	var cols []string
	for col := range td.Rows[0] {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
