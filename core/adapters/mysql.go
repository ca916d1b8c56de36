package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// MySQLAdapter talks to MySQL through database/sql with go-sql-driver.
type MySQLAdapter struct {
	sqlAdapter
}

func newMySQLAdapter(creds Credentials) (*MySQLAdapter, error) {
	log := logger.New("adapter:mysql")
	log.Debugf("opening MySQL connection")

	db, err := sql.Open("mysql", creds.DSN())
	if err != nil {
		return nil, apperrors.NewConnection("failed to open mysql connection", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.NewConnection("failed to ping mysql database", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	log.Debugf("MySQL connection opened")
	return &MySQLAdapter{sqlAdapter{kind: KindMySQL, db: db, log: log}}, nil
}

func (m *MySQLAdapter) ListTables(ctx context.Context) ([]string, error) {
	res, err := m.ExecuteQuery(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		// information_schema reports TABLE_NAME on older servers
		for _, key := range []string{"table_name", "TABLE_NAME"} {
			if name, ok := row[key].(string); ok {
				tables = append(tables, name)
				break
			}
		}
	}
	return tables, nil
}

func (m *MySQLAdapter) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	res, err := m.ExecuteQuery(ctx,
		`SELECT column_name, data_type, is_nullable, column_key
		 FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, apperrors.NewNotFound("table", table)
	}

	schema := &TableSchema{Table: table}
	for _, row := range res.Rows {
		name := stringField(row, "column_name", "COLUMN_NAME")
		dataType := stringField(row, "data_type", "DATA_TYPE")
		nullable := stringField(row, "is_nullable", "IS_NULLABLE")
		key := stringField(row, "column_key", "COLUMN_KEY")

		schema.Columns = append(schema.Columns, Column{
			Name:     name,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
		if strings.EqualFold(key, "PRI") {
			schema.PrimaryKey = append(schema.PrimaryKey, name)
		}
	}

	return schema, nil
}

func (m *MySQLAdapter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	statement := insertSQL(table, columns, len(rows), mysqlQuoteIdent, func(int) string { return "?" })
	res, err := m.ExecuteQuery(ctx, statement, flattenRows(rows)...)
	if err != nil {
		return 0, apperrors.NewExecution(fmt.Sprintf("batch insert into '%s' failed", table), err)
	}
	return int64(res.RowCount), nil
}

func (m *MySQLAdapter) QueryPlan(ctx context.Context, statement string) (*Result, error) {
	return m.ExecuteQuery(ctx, "EXPLAIN FORMAT=JSON "+statement)
}

func stringField(row map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := row[key].(string); ok {
			return v
		}
	}
	return ""
}

func mysqlQuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
