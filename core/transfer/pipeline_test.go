package transfer_test

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/adapters/adaptertest"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/transfer"
)

func setup(t *testing.T) (*transfer.Pipeline, *adaptertest.Fake, string) {
	t.Helper()

	var fake *adaptertest.Fake
	reg := registry.New(registry.WithDialer(func(k adapters.Kind, _ adapters.Credentials) (adapters.Adapter, error) {
		fake = adaptertest.New(k)
		return fake, nil
	}))
	conn, err := reg.Create(context.Background(), "target", "sqlite", adapters.Credentials{"dsn": "x"})
	require.NoError(t, err)

	return transfer.New(reg, t.TempDir()), fake, conn.ID
}

func TestImportCSV(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)

	input := "id,name\n1,ada\n2,linus\n3,grace\n"
	result, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), transfer.ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.RowsProcessed)
	assert.Equal(t, int64(3), result.RowsImported)
	assert.Empty(t, result.Errors)

	rows := fake.TableRows("users")
	require.Len(t, rows, 3)
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestImportCSVColumnMapping(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)

	input := "user_id,full_name\n1,ada\n"
	opts := transfer.ImportOptions{ColumnMapping: map[string]string{"user_id": "id", "full_name": "name"}}
	_, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), opts)
	require.NoError(t, err)

	rows := fake.TableRows("users")
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0]["id"])
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestImportCSVHeaderless(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)

	input := "1;ada\n2;linus\n"
	opts := transfer.ImportOptions{NoHeader: true, Columns: []string{"id", "name"}, Delimiter: ';'}
	result, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), opts)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RowsImported)
	assert.Len(t, fake.TableRows("users"), 2)

	_, err = pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), transfer.ImportOptions{NoHeader: true})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestImportCSVSkipErrors(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)

	// Rows 3 and 7 are malformed (wrong field count)
	var sb strings.Builder
	sb.WriteString("id,name\n")
	for i := 1; i <= 10; i++ {
		switch i {
		case 3, 7:
			sb.WriteString("only-one-field\n")
		default:
			sb.WriteString("1,ok\n")
		}
	}

	result, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(sb.String()),
		transfer.ImportOptions{SkipErrors: true, BatchSize: 4})
	require.Error(t, err)
	assert.True(t, apperrors.IsPartialFailure(err))

	assert.Equal(t, int64(10), result.RowsProcessed)
	assert.Equal(t, int64(8), result.RowsImported)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, 3, result.Errors[0].Row)
	assert.Equal(t, 7, result.Errors[1].Row)
	assert.Len(t, fake.TableRows("users"), 8)
}

func TestImportCSVAbortsWithoutSkipErrors(t *testing.T) {
	ctx := context.Background()
	pipeline, _, connID := setup(t)

	input := "id,name\n1,ada\nbroken\n"
	_, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), transfer.ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestImportCSVBatchFlushFailureFatal(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	fake.InsertErr = apperrors.NewExecution("constraint violation", nil)

	input := "id\n1\n2\n"
	_, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(input), transfer.ImportOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rows 1-2")
}

func TestImportCSVEmptyInput(t *testing.T) {
	ctx := context.Background()
	pipeline, _, connID := setup(t)

	_, err := pipeline.ImportCSV(ctx, connID, "users", strings.NewReader(""), transfer.ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestImportJSON(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)

	input := `[{"id": 1, "name": "ada"}, {"id": 2, "name": "linus"}]`
	result, err := pipeline.ImportJSON(ctx, connID, "users", strings.NewReader(input), transfer.ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.RowsProcessed)
	assert.Equal(t, int64(2), result.RowsImported)

	rows := fake.TableRows("users")
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, "ada", rows[0]["name"])
}

func TestImportJSONRejectsNonArray(t *testing.T) {
	ctx := context.Background()
	pipeline, _, connID := setup(t)

	_, err := pipeline.ImportJSON(ctx, connID, "users", strings.NewReader(`{"id": 1}`), transfer.ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestImportUnknownConnection(t *testing.T) {
	pipeline, _, _ := setup(t)
	_, err := pipeline.ImportCSV(context.Background(), "missing", "t", strings.NewReader("a\n1\n"), transfer.ImportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func seedUsers(fake *adaptertest.Fake) {
	fake.Seed("users",
		[]adapters.Column{{Name: "id", Type: "INTEGER"}, {Name: "name", Type: "TEXT"}},
		[]string{"id"},
		[]map[string]any{
			{"id": int64(1), "name": "ada"},
			{"id": int64(2), "name": "linus"},
		})
}

func TestExportCSV(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	seedUsers(fake)

	path, err := pipeline.ExportCSV(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".csv"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"id", "name"}, records[0])
	assert.Equal(t, []string{"1", "ada"}, records[1])
}

func TestExportCSVCompressed(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	seedUsers(fake)

	path, err := pipeline.ExportCSV(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{Compress: true})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".csv.gz"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ada")
}

func TestExportJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	seedUsers(fake)

	path, err := pipeline.ExportJSON(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(data, &rows))
	require.Len(t, rows, 2)

	// Re-import the artifact into a second connection and compare rows
	pipeline2, fake2, connID2 := setup(t)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	result, err := pipeline2.ImportJSON(ctx, connID2, "users", f, transfer.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.RowsImported)

	imported := fake2.TableRows("users")
	require.Len(t, imported, 2)
	names := []string{imported[0]["name"].(string), imported[1]["name"].(string)}
	assert.ElementsMatch(t, []string{"ada", "linus"}, names)
}

func TestExportSQL(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	seedUsers(fake)

	path, err := pipeline.ExportSQL(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{Table: "users"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	script := string(data)
	assert.Equal(t, 2, strings.Count(script, `INSERT INTO "users"`))
	assert.Contains(t, script, "'ada'")

	_, err = pipeline.ExportSQL(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestExportEmptyResult(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	fake.Seed("empty", []adapters.Column{{Name: "id", Type: "INTEGER"}}, nil, nil)

	path, err := pipeline.ExportJSON(ctx, connID, "SELECT * FROM empty", transfer.ExportOptions{})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(data)))
}

func TestExportArtifactNamesUnique(t *testing.T) {
	ctx := context.Background()
	pipeline, fake, connID := setup(t)
	seedUsers(fake)

	// Back-to-back exports land in the same second; names must differ
	first, err := pipeline.ExportCSV(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{})
	require.NoError(t, err)
	second, err := pipeline.ExportCSV(ctx, connID, "SELECT * FROM users", transfer.ExportOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.FileExists(t, first)
	assert.FileExists(t, second)
}

// countingFake counts InsertRows calls to observe batching.
type countingFake struct {
	*adaptertest.Fake
	inserts int
}

func (c *countingFake) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	c.inserts++
	return c.Fake.InsertRows(ctx, table, columns, rows)
}

func TestImportUsesPipelineBatchSize(t *testing.T) {
	ctx := context.Background()

	var cf *countingFake
	reg := registry.New(registry.WithDialer(func(k adapters.Kind, _ adapters.Credentials) (adapters.Adapter, error) {
		cf = &countingFake{Fake: adaptertest.New(k)}
		return cf, nil
	}))
	conn, err := reg.Create(ctx, "target", "sqlite", adapters.Credentials{"dsn": "x"})
	require.NoError(t, err)

	pipeline := transfer.New(reg, t.TempDir(), transfer.WithBatchSize(2))

	input := "id\n1\n2\n3\n4\n5\n"
	result, err := pipeline.ImportCSV(ctx, conn.ID, "users", strings.NewReader(input), transfer.ImportOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.RowsImported)
	assert.Equal(t, 3, cf.inserts)

	// An explicit per-call batch size still wins
	cf.inserts = 0
	_, err = pipeline.ImportCSV(ctx, conn.ID, "users", strings.NewReader(input), transfer.ImportOptions{BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, cf.inserts)
}
