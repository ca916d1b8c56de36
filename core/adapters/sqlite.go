package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// SQLiteAdapter talks to an embedded SQLite database through the pure-Go
// modernc driver. The DSN is a file path or ":memory:".
type SQLiteAdapter struct {
	sqlAdapter
}

func newSQLiteAdapter(creds Credentials) (*SQLiteAdapter, error) {
	log := logger.New("adapter:sqlite")
	log.Debugf("opening SQLite database")

	db, err := sql.Open("sqlite", creds.DSN())
	if err != nil {
		return nil, apperrors.NewConnection("failed to open sqlite database", err)
	}

	// Single writer connection keeps the driver free of SQLITE_BUSY
	// churn; foreign keys are opt-in per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, apperrors.NewConnection("failed to enable foreign keys", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewConnection("failed to ping sqlite database", err)
	}

	log.Debugf("SQLite database opened")
	return &SQLiteAdapter{sqlAdapter{kind: KindSQLite, db: db, log: log}}, nil
}

func (s *SQLiteAdapter) ListTables(ctx context.Context) ([]string, error) {
	res, err := s.ExecuteQuery(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row["name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (s *SQLiteAdapter) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	res, err := s.ExecuteQuery(ctx, fmt.Sprintf("PRAGMA table_info(%s)", sqliteQuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, apperrors.NewNotFound("table", table)
	}

	schema := &TableSchema{Table: table}
	for _, row := range res.Rows {
		name, _ := row["name"].(string)
		colType, _ := row["type"].(string)
		notNull := asInt64(row["notnull"]) != 0
		pkOrder := asInt64(row["pk"])

		schema.Columns = append(schema.Columns, Column{
			Name:     name,
			Type:     colType,
			Nullable: !notNull,
		})
		if pkOrder > 0 {
			schema.PrimaryKey = append(schema.PrimaryKey, name)
		}
	}

	return schema, nil
}

func (s *SQLiteAdapter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	statement := insertSQL(table, columns, len(rows), sqliteQuoteIdent, func(int) string { return "?" })
	res, err := s.ExecuteQuery(ctx, statement, flattenRows(rows)...)
	if err != nil {
		return 0, apperrors.NewExecution(fmt.Sprintf("batch insert into '%s' failed", table), err)
	}
	return int64(res.RowCount), nil
}

func (s *SQLiteAdapter) QueryPlan(ctx context.Context, statement string) (*Result, error) {
	return s.ExecuteQuery(ctx, "EXPLAIN QUERY PLAN "+statement)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		if n == "1" {
			return 1
		}
	}
	return 0
}

func sqliteQuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
