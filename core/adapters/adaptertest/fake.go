// Package adaptertest provides an in-memory Adapter implementation for
// tests in the packages built on top of the adapter contract.
package adaptertest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dbridge-io/dbridge/core/adapters"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// Table is one in-memory table: its schema and row maps.
type Table struct {
	Schema adapters.TableSchema
	Rows   []map[string]any
}

// Fake is a configurable in-memory adapter. The zero value is usable;
// error fields inject failures.
type Fake struct {
	BackendKind adapters.Kind

	mu       sync.Mutex
	tables   map[string]*Table
	executed []string
	inTx     bool
	closed   bool

	// PingErr makes Ping fail.
	PingErr error
	// ExecHook, when set, runs at the start of every ExecuteQuery call.
	// Tests use it to hold a statement open across goroutines.
	ExecHook func(statement string)
	// FailOn maps a statement substring to the error ExecuteQuery returns
	// when a statement contains it.
	FailOn map[string]error
	// InsertErr makes every InsertRows call fail.
	InsertErr error
	// InsertErrAfter fails InsertRows calls after the first N succeed.
	InsertErrAfter int
	insertCalls    int
}

// New creates an empty fake of the given kind.
func New(kind adapters.Kind) *Fake {
	return &Fake{BackendKind: kind, tables: map[string]*Table{}, FailOn: map[string]error{}}
}

// Seed installs a table with the given columns and rows.
func (f *Fake) Seed(table string, columns []adapters.Column, primaryKey []string, rows []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables == nil {
		f.tables = map[string]*Table{}
	}
	f.tables[table] = &Table{
		Schema: adapters.TableSchema{Table: table, Columns: columns, PrimaryKey: primaryKey},
		Rows:   rows,
	}
}

// Executed returns every statement run so far, in order.
func (f *Fake) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

// TableRows returns the current rows of a table.
func (f *Fake) TableRows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil
	}
	out := make([]map[string]any, len(t.Rows))
	copy(out, t.Rows)
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// InTx reports whether a transaction is open.
func (f *Fake) InTx() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inTx
}

func (f *Fake) Kind() adapters.Kind {
	if f.BackendKind == "" {
		return adapters.KindSQLite
	}
	return f.BackendKind
}

func (f *Fake) Ping(ctx context.Context) error { return f.PingErr }

func (f *Fake) ExecuteQuery(ctx context.Context, statement string, params ...any) (*adapters.Result, error) {
	if f.ExecHook != nil {
		f.ExecHook(statement)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, statement)

	for substr, err := range f.FailOn {
		if strings.Contains(statement, substr) {
			return nil, err
		}
	}

	// Recognize the one query shape the gateway core issues itself
	if table, ok := selectAllTarget(statement); ok {
		t, exists := f.tables[table]
		if !exists {
			return nil, apperrors.NewNotFound("table", table)
		}
		rows := make([]map[string]any, len(t.Rows))
		copy(rows, t.Rows)
		return &adapters.Result{Rows: rows, RowCount: len(rows)}, nil
	}

	return &adapters.Result{Rows: []map[string]any{}, RowCount: 0}, nil
}

// selectAllTarget matches "SELECT * FROM <table>" with optional quoting.
func selectAllTarget(statement string) (string, bool) {
	head := strings.TrimSpace(statement)
	upper := strings.ToUpper(head)
	if !strings.HasPrefix(upper, "SELECT * FROM ") {
		return "", false
	}
	table := strings.TrimSpace(head[len("SELECT * FROM "):])
	table = strings.Trim(table, "`\"")
	if table == "" {
		return "", false
	}
	return table, true
}

func (f *Fake) ListTables(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.tables))
	for name := range f.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fake) TableSchema(ctx context.Context, table string) (*adapters.TableSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[table]
	if !ok {
		return nil, apperrors.NewNotFound("table", table)
	}
	schema := t.Schema
	return &schema, nil
}

func (f *Fake) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.insertCalls++
	if f.InsertErr != nil {
		return 0, f.InsertErr
	}
	if f.InsertErrAfter > 0 && f.insertCalls > f.InsertErrAfter {
		return 0, apperrors.NewExecution("batch insert failed", nil)
	}

	t, ok := f.tables[table]
	if !ok {
		cols := make([]adapters.Column, len(columns))
		for i, name := range columns {
			cols[i] = adapters.Column{Name: name, Type: "text", Nullable: true}
		}
		t = &Table{Schema: adapters.TableSchema{Table: table, Columns: cols}}
		f.tables[table] = t
	}

	for _, row := range rows {
		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				rowMap[col] = row[i]
			}
		}
		t.Rows = append(t.Rows, rowMap)
	}
	return int64(len(rows)), nil
}

func (f *Fake) Begin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inTx {
		return apperrors.NewValidation("transaction already open on this connection", nil)
	}
	f.inTx = true
	return nil
}

func (f *Fake) Commit(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return apperrors.NewValidation("no open transaction to commit", nil)
	}
	f.inTx = false
	return nil
}

func (f *Fake) Rollback(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.inTx {
		return apperrors.NewValidation("no open transaction to roll back", nil)
	}
	f.inTx = false
	return nil
}

func (f *Fake) QueryPlan(ctx context.Context, statement string) (*adapters.Result, error) {
	if f.Kind() == adapters.KindMongoDB || f.Kind() == adapters.KindRedis {
		return nil, apperrors.NewNotSupported(string(f.Kind()), "query planner metrics")
	}
	return &adapters.Result{
		Rows:     []map[string]any{{"plan": "SCAN", "statement": statement}},
		RowCount: 1,
	}, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
