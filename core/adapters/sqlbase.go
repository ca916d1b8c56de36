package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx, so statements route
// through the open transaction when there is one.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlAdapter carries the shared database/sql behavior of the mysql and
// sqlite adapters. The concrete adapters supply dialect details.
type sqlAdapter struct {
	kind Kind
	db   *sql.DB
	log  *logger.Logger

	mu sync.Mutex
	tx *sql.Tx
}

func (a *sqlAdapter) Kind() Kind { return a.kind }

func (a *sqlAdapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return apperrors.NewConnection(fmt.Sprintf("%s ping failed", a.kind), err)
	}
	return nil
}

func (a *sqlAdapter) querier() sqlQuerier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx != nil {
		return a.tx
	}
	return a.db
}

// isRowReturning reports whether a statement yields a result set rather
// than an affected-row count.
func isRowReturning(statement string) bool {
	head := strings.ToUpper(strings.TrimSpace(statement))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "PRAGMA", "EXPLAIN", "DESCRIBE", "VALUES"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}

func (a *sqlAdapter) ExecuteQuery(ctx context.Context, statement string, params ...any) (*Result, error) {
	q := a.querier()

	if !isRowReturning(statement) {
		res, err := q.ExecContext(ctx, statement, params...)
		if err != nil {
			return nil, apperrors.NewExecution("statement failed", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		return &Result{Rows: []map[string]any{}, RowCount: int(affected)}, nil
	}

	rows, err := q.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, apperrors.NewExecution("query failed", err)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	return &Result{Rows: results, RowCount: len(results)}, nil
}

// scanRows drains a result set into column name -> value maps. []byte
// values become strings for clean JSON serialization.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, apperrors.NewExecution("failed to get columns", err)
	}

	results := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, apperrors.NewExecution("failed to scan row", err)
		}

		rowMap := make(map[string]any)
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				rowMap[col] = string(b)
			} else {
				rowMap[col] = val
			}
		}

		results = append(results, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExecution("error iterating rows", err)
	}

	return results, nil
}

func (a *sqlAdapter) Begin(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx != nil {
		return apperrors.NewValidation("transaction already open on this connection", nil)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewExecution("failed to begin transaction", err)
	}
	a.tx = tx
	a.log.Debugf("transaction opened")
	return nil
}

func (a *sqlAdapter) Commit(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx == nil {
		return apperrors.NewValidation("no open transaction to commit", nil)
	}

	err := a.tx.Commit()
	a.tx = nil
	if err != nil {
		return apperrors.NewExecution("commit failed", err)
	}
	a.log.Debugf("transaction committed")
	return nil
}

func (a *sqlAdapter) Rollback(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tx == nil {
		return apperrors.NewValidation("no open transaction to roll back", nil)
	}

	err := a.tx.Rollback()
	a.tx = nil
	if err != nil {
		return apperrors.NewExecution("rollback failed", err)
	}
	a.log.Debugf("transaction rolled back")
	return nil
}

func (a *sqlAdapter) Close() error {
	a.mu.Lock()
	if a.tx != nil {
		_ = a.tx.Rollback()
		a.tx = nil
	}
	a.mu.Unlock()

	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// insertSQL builds one parameterized multi-row INSERT. quoteIdent and
// bindVar supply the dialect's identifier quoting and placeholder style.
func insertSQL(table string, columns []string, rowCount int, quoteIdent func(string) string, bindVar func(int) string) string {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	sb.WriteString(strings.Join(quoted, ", "))
	sb.WriteString(") VALUES ")

	arg := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(bindVar(arg))
			arg++
		}
		sb.WriteString(")")
	}

	return sb.String()
}

// flattenRows turns row tuples into one positional parameter list.
func flattenRows(rows [][]any) []any {
	var params []any
	for _, row := range rows {
		params = append(params, row...)
	}
	return params
}
