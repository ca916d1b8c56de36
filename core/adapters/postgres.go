package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// PostgresAdapter talks to PostgreSQL through a pgx/v5 pool.
type PostgresAdapter struct {
	pool *pgxpool.Pool
	log  *logger.Logger

	mu sync.Mutex
	tx pgx.Tx
}

func newPostgresAdapter(creds Credentials) (*PostgresAdapter, error) {
	log := logger.New("adapter:postgres")
	log.Debugf("opening PostgreSQL connection pool")

	config, err := pgxpool.ParseConfig(creds.DSN())
	if err != nil {
		return nil, apperrors.NewValidation("failed to parse postgres connection string", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, apperrors.NewConnection("failed to create postgres connection pool", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, apperrors.NewConnection("failed to ping postgres database", err)
	}

	log.Debugf("PostgreSQL connection pool opened")
	return &PostgresAdapter{pool: pool, log: log}, nil
}

func (p *PostgresAdapter) Kind() Kind { return KindPostgres }

func (p *PostgresAdapter) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return apperrors.NewConnection("postgres ping failed", err)
	}
	return nil
}

func (p *PostgresAdapter) query(ctx context.Context, statement string, params ...any) (pgx.Rows, error) {
	p.mu.Lock()
	tx := p.tx
	p.mu.Unlock()
	if tx != nil {
		return tx.Query(ctx, statement, params...)
	}
	return p.pool.Query(ctx, statement, params...)
}

func (p *PostgresAdapter) exec(ctx context.Context, statement string, params ...any) (int64, error) {
	p.mu.Lock()
	tx := p.tx
	p.mu.Unlock()
	if tx != nil {
		tag, err := tx.Exec(ctx, statement, params...)
		return tag.RowsAffected(), err
	}
	tag, err := p.pool.Exec(ctx, statement, params...)
	return tag.RowsAffected(), err
}

func (p *PostgresAdapter) ExecuteQuery(ctx context.Context, statement string, params ...any) (*Result, error) {
	if !isRowReturning(statement) {
		affected, err := p.exec(ctx, statement, params...)
		if err != nil {
			return nil, apperrors.NewExecution("statement failed", err)
		}
		return &Result{Rows: []map[string]any{}, RowCount: int(affected)}, nil
	}

	rows, err := p.query(ctx, statement, params...)
	if err != nil {
		return nil, apperrors.NewExecution("query failed", err)
	}
	defer rows.Close()

	fieldDescriptions := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescriptions))
	for i, fd := range fieldDescriptions {
		columns[i] = string(fd.Name)
	}

	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, apperrors.NewExecution("failed to get row values", err)
		}

		rowMap := make(map[string]any)
		for i, col := range columns {
			if i < len(values) {
				rowMap[col] = values[i]
			}
		}

		results = append(results, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExecution("error iterating rows", err)
	}

	return &Result{Rows: results, RowCount: len(results)}, nil
}

func (p *PostgresAdapter) ListTables(ctx context.Context) ([]string, error) {
	res, err := p.ExecuteQuery(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row["table_name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

func (p *PostgresAdapter) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	cols, err := p.ExecuteQuery(ctx,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = 'public' AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	if len(cols.Rows) == 0 {
		return nil, apperrors.NewNotFound("table", table)
	}

	schema := &TableSchema{Table: table}
	for _, row := range cols.Rows {
		name, _ := row["column_name"].(string)
		dataType, _ := row["data_type"].(string)
		nullable, _ := row["is_nullable"].(string)
		schema.Columns = append(schema.Columns, Column{
			Name:     name,
			Type:     dataType,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}

	pk, err := p.ExecuteQuery(ctx,
		`SELECT a.attname FROM pg_index i
		 JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		 WHERE i.indrelid = $1::regclass AND i.indisprimary
		 ORDER BY a.attnum`, table)
	if err == nil {
		for _, row := range pk.Rows {
			if name, ok := row["attname"].(string); ok {
				schema.PrimaryKey = append(schema.PrimaryKey, name)
			}
		}
	}

	return schema, nil
}

func (p *PostgresAdapter) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	statement := insertSQL(table, columns, len(rows), pgQuoteIdent, func(i int) string {
		return fmt.Sprintf("$%d", i)
	})
	affected, err := p.exec(ctx, statement, flattenRows(rows)...)
	if err != nil {
		return 0, apperrors.NewExecution(fmt.Sprintf("batch insert into '%s' failed", table), err)
	}
	return affected, nil
}

func (p *PostgresAdapter) Begin(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx != nil {
		return apperrors.NewValidation("transaction already open on this connection", nil)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return apperrors.NewExecution("failed to begin transaction", err)
	}
	p.tx = tx
	p.log.Debugf("transaction opened")
	return nil
}

func (p *PostgresAdapter) Commit(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return apperrors.NewValidation("no open transaction to commit", nil)
	}

	err := p.tx.Commit(ctx)
	p.tx = nil
	if err != nil {
		return apperrors.NewExecution("commit failed", err)
	}
	return nil
}

func (p *PostgresAdapter) Rollback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tx == nil {
		return apperrors.NewValidation("no open transaction to roll back", nil)
	}

	err := p.tx.Rollback(ctx)
	p.tx = nil
	if err != nil {
		return apperrors.NewExecution("rollback failed", err)
	}
	return nil
}

func (p *PostgresAdapter) QueryPlan(ctx context.Context, statement string) (*Result, error) {
	return p.ExecuteQuery(ctx, "EXPLAIN (FORMAT JSON) "+statement)
}

func (p *PostgresAdapter) Close() error {
	p.mu.Lock()
	if p.tx != nil {
		_ = p.tx.Rollback(context.Background())
		p.tx = nil
	}
	p.mu.Unlock()

	if p.pool != nil {
		p.log.Debugf("closing PostgreSQL connection pool")
		p.pool.Close()
	}
	return nil
}

func pgQuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
