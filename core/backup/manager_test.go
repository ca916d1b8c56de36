package backup_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/adapters/adaptertest"
	"github.com/dbridge-io/dbridge/core/backup"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/store"
)

type harness struct {
	manager *backup.Manager
	store   *store.Store
	reg     *registry.Registry
	fakes   map[string]*adaptertest.Fake
	dir     string
}

func setup(t *testing.T) *harness {
	t.Helper()

	h := &harness{fakes: map[string]*adaptertest.Fake{}}
	h.reg = registry.New(registry.WithDialer(func(k adapters.Kind, _ adapters.Credentials) (adapters.Adapter, error) {
		return adaptertest.New(k), nil
	}))

	s, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	h.store = s

	h.dir = t.TempDir()
	h.manager = backup.New(h.reg, s, h.dir)
	return h
}

// connect registers a connection of the given kind and returns its fake.
func (h *harness) connect(t *testing.T, kind string) (string, *adaptertest.Fake) {
	t.Helper()

	conn, err := h.reg.Create(context.Background(), kind+"-conn", kind, adapters.Credentials{"dsn": "x"})
	require.NoError(t, err)

	adapter, err := h.reg.Adapter(conn.ID)
	require.NoError(t, err)
	fake := adapter.(*adaptertest.Fake)
	h.fakes[conn.ID] = fake
	return conn.ID, fake
}

func seedThreeTables(fake *adaptertest.Fake) {
	cols := []adapters.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "TEXT", Nullable: true},
	}
	fake.Seed("users", cols, []string{"id"}, []map[string]any{
		{"id": int64(1), "name": "ada"},
		{"id": int64(2), "name": "linus"},
	})
	fake.Seed("orders", cols, []string{"id"}, []map[string]any{
		{"id": int64(10), "name": "first"},
	})
	fake.Seed("empty", cols, []string{"id"}, nil)
}

func TestCreateSQLBackup(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL})
	require.NoError(t, err)

	assert.Equal(t, backup.FormatSQL, rec.Format)
	assert.False(t, rec.Compressed)
	assert.Positive(t, rec.SizeBytes)
	assert.FileExists(t, rec.Path)
	assert.True(t, strings.HasSuffix(rec.Path, ".sql"))

	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	script := string(data)
	assert.Equal(t, 3, strings.Count(script, "CREATE TABLE IF NOT EXISTS"))
	assert.Contains(t, script, `INSERT INTO "users"`)
	assert.Contains(t, script, "'ada'")
	assert.Contains(t, script, "PRIMARY KEY")
}

func TestCompressedBackupOfThreeTables(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL, Compress: true})
	require.NoError(t, err)
	assert.True(t, rec.Compressed)
	assert.True(t, strings.HasSuffix(rec.Path, ".sql.gz"))

	raw, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	script, err := io.ReadAll(gz)
	require.NoError(t, err)

	assert.Equal(t, 3, strings.Count(string(script), "CREATE TABLE IF NOT EXISTS"))
}

func TestSchemaOnlyAndDataOnly(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL, SchemaOnly: true})
	require.NoError(t, err)
	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CREATE TABLE")
	assert.NotContains(t, string(data), "INSERT INTO")

	rec, err = h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL, DataOnly: true})
	require.NoError(t, err)
	data, err = os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CREATE TABLE")
	assert.Contains(t, string(data), "INSERT INTO")

	_, err = h.manager.Create(ctx, connID, backup.Options{SchemaOnly: true, DataOnly: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSQLFormatRejectedForNonSQLBackends(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	for _, kind := range []string{"mongodb", "redis"} {
		connID, _ := h.connect(t, kind)
		_, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL})
		require.Error(t, err, kind)
		assert.True(t, apperrors.IsNotSupported(err), kind)
	}
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	key := bytes.Repeat([]byte("k"), 32)
	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL, EncryptionKey: key})
	require.NoError(t, err)
	assert.True(t, rec.Encrypted)
	assert.True(t, strings.HasSuffix(rec.Path, ".sql.enc"))

	// Ciphertext does not leak plaintext
	raw, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "CREATE TABLE")

	targetID, target := h.connect(t, "sqlite")
	report, err := h.manager.Restore(ctx, rec.ID, targetID, key)
	require.NoError(t, err)
	assert.Equal(t, report.Statements, report.Applied)
	assert.NotEmpty(t, target.Executed())

	// Restore without the key fails up front
	_, err = h.manager.Restore(ctx, rec.ID, targetID, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	// Wrong key fails on decryption
	_, err = h.manager.Restore(ctx, rec.ID, targetID, bytes.Repeat([]byte("w"), 32))
	require.Error(t, err)
}

func TestCreateRejectsShortKey(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	_, err := h.manager.Create(ctx, connID, backup.Options{EncryptionKey: []byte("short")})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestRestoreBestEffort(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatSQL})
	require.NoError(t, err)

	targetID, target := h.connect(t, "sqlite")
	target.FailOn["orders"] = apperrors.NewExecution("no such table", nil)

	report, err := h.manager.Restore(ctx, rec.ID, targetID, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsPartialFailure(err))

	require.NotNil(t, report)
	assert.NotEmpty(t, report.Errors)
	assert.Greater(t, report.Applied, 0)
	assert.Equal(t, report.Statements, report.Applied+len(report.Errors))
}

func TestJSONBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{Format: backup.FormatJSON, Compress: true})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(rec.Path, ".json.gz"))

	targetID, target := h.connect(t, "sqlite")
	report, err := h.manager.Restore(ctx, rec.ID, targetID, nil)
	require.NoError(t, err)
	assert.Equal(t, report.Statements, report.Applied)

	users := target.TableRows("users")
	require.Len(t, users, 2)
	orders := target.TableRows("orders")
	assert.Len(t, orders, 1)
}

func TestListGetDelete(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	rec, err := h.manager.Create(ctx, connID, backup.Options{})
	require.NoError(t, err)

	list, err := h.manager.List(ctx, connID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := h.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)

	path, err := h.manager.ArtifactPath(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, path)

	require.NoError(t, h.manager.Delete(ctx, rec.ID))
	assert.NoFileExists(t, rec.Path)

	_, err = h.manager.Get(ctx, rec.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecoverToPoint(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	// Two artifacts with controlled timestamps an hour apart
	older := writeBackupAt(t, h, connID, time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC), "INSERT INTO t (id) VALUES (1);")
	writeBackupAt(t, h, connID, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), "INSERT INTO t (id) VALUES (2);")

	rec, report, err := h.manager.RecoverToPoint(ctx, connID, time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC), nil)
	require.NoError(t, err)
	assert.Equal(t, older.ID, rec.ID)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Applied)
	assert.Contains(t, fake.Executed(), "INSERT INTO t (id) VALUES (1)")

	// No backup at or before the target
	_, _, err = h.manager.RecoverToPoint(ctx, connID, time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC), nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

// writeBackupAt records a SQL artifact with a fixed creation time.
func writeBackupAt(t *testing.T, h *harness, connID string, at time.Time, script string) *store.BackupRecord {
	t.Helper()
	path := filepath.Join(h.dir, connID+"-"+at.Format("20060102T150405")+".sql")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o600))

	rec := &store.BackupRecord{
		ConnectionID: connID,
		Format:       backup.FormatSQL,
		Path:         path,
		SizeBytes:    int64(len(script)),
		CreatedAt:    at,
	}
	require.NoError(t, h.store.CreateBackup(context.Background(), rec))
	return rec
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	sched, err := h.manager.CreateSchedule(ctx, connID, "0 3 * * *", 2, backup.Options{Format: backup.FormatSQL})
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRun)
	assert.True(t, sched.NextRun.After(time.Now().Add(-time.Minute)))

	_, err = h.manager.CreateSchedule(ctx, connID, "not a cron", 2, backup.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = h.manager.CreateSchedule(ctx, connID, "0 3 * * *", -1, backup.Options{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	list, err := h.manager.ListSchedules(ctx, connID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	expr := "30 2 * * 0"
	retention := 5
	updated, err := h.manager.UpdateSchedule(ctx, sched.ID, backup.ScheduleUpdate{CronExpr: &expr, Retention: &retention})
	require.NoError(t, err)
	assert.Equal(t, expr, updated.CronExpr)
	assert.Equal(t, 5, updated.Retention)

	require.NoError(t, h.manager.DeleteSchedule(ctx, sched.ID))
	_, err = h.manager.GetSchedule(ctx, sched.ID)
	require.Error(t, err)
}

func TestRunScheduleTakesBackupAndPrunes(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	sched, err := h.manager.CreateSchedule(ctx, connID, "0 3 * * *", 2, backup.Options{Format: backup.FormatSQL})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := h.manager.RunSchedule(ctx, sched.ID)
		require.NoError(t, err)
	}

	// Retention keeps exactly the two most recent
	list, err := h.manager.List(ctx, connID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, rec := range list {
		assert.FileExists(t, rec.Path)
	}

	got, err := h.manager.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRun)
	assert.NotNil(t, got.NextRun)

	// Disabled schedules refuse to run
	enabled := false
	_, err = h.manager.UpdateSchedule(ctx, sched.ID, backup.ScheduleUpdate{Enabled: &enabled})
	require.NoError(t, err)
	_, err = h.manager.RunSchedule(ctx, sched.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestApplyRetentionPolicy(t *testing.T) {
	ctx := context.Background()
	h := setup(t)
	connID, fake := h.connect(t, "sqlite")
	seedThreeTables(fake)

	sched, err := h.manager.CreateSchedule(ctx, connID, "0 3 * * *", 1, backup.Options{})
	require.NoError(t, err)

	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		writeBackupAt(t, h, connID, base.Add(time.Duration(i)*time.Hour), "SELECT 1;")
	}

	require.NoError(t, h.manager.ApplyRetentionPolicy(ctx, sched.ID))

	list, err := h.manager.List(ctx, connID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	// The survivor is the newest
	assert.Equal(t, base.Add(2*time.Hour).Unix(), list[0].CreatedAt.Unix())
}

// cursorFake serves whole-table reads through a dedicated scan path,
// the way the mongodb adapter does.
type cursorFake struct {
	*adaptertest.Fake
	scanned []string
}

func (c *cursorFake) FetchTableRows(ctx context.Context, table string) ([]map[string]any, error) {
	c.scanned = append(c.scanned, table)
	return c.Fake.TableRows(table), nil
}

func TestJSONBackupUsesFullTableScan(t *testing.T) {
	ctx := context.Background()

	var cf *cursorFake
	reg := registry.New(registry.WithDialer(func(k adapters.Kind, _ adapters.Credentials) (adapters.Adapter, error) {
		cf = &cursorFake{Fake: adaptertest.New(k)}
		return cf, nil
	}))
	conn, err := reg.Create(ctx, "docs", "mongodb", adapters.Credentials{"dsn": "x"})
	require.NoError(t, err)

	s, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	manager := backup.New(reg, s, t.TempDir())

	cols := []adapters.Column{
		{Name: "_id", Type: "objectId"},
		{Name: "name", Type: "string", Nullable: true},
	}
	cf.Seed("users", cols, []string{"_id"}, []map[string]any{
		{"_id": "a1", "name": "ada"},
		{"_id": "a2", "name": "linus"},
	})

	rec, err := manager.Create(ctx, conn.ID, backup.Options{Format: backup.FormatJSON})
	require.NoError(t, err)

	// Rows came through the scan path, not a find statement
	assert.Equal(t, []string{"users"}, cf.scanned)
	assert.Empty(t, cf.Executed())

	data, err := os.ReadFile(rec.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ada"`)
}
