package adapters

import (
	"context"
	"fmt"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// Kind identifies a supported backend engine.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindMySQL    Kind = "mysql"
	KindSQLite   Kind = "sqlite"
	KindMongoDB  Kind = "mongodb"
	KindRedis    Kind = "redis"
)

// SupportedKinds lists every backend kind the gateway can dial.
func SupportedKinds() []Kind {
	return []Kind{KindPostgres, KindMySQL, KindSQLite, KindMongoDB, KindRedis}
}

// ParseKind validates a kind string against the supported set.
func ParseKind(s string) (Kind, error) {
	for _, k := range SupportedKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", apperrors.NewValidation(fmt.Sprintf("unsupported backend kind '%s'", s), nil)
}

// Credentials carry whatever the engine needs to dial. They are opaque to
// everything above the adapter layer and are never echoed back to callers.
type Credentials map[string]string

// DSN returns the connection string, the one key every kind requires.
func (c Credentials) DSN() string { return c["dsn"] }

// Column describes one column of a table schema.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableSchema describes a table as the engine reports it.
type TableSchema struct {
	Table      string   `json:"table"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primaryKey"`
}

// Result is the uniform shape of every statement execution: rows as
// column name -> value maps, plus the affected/returned row count.
type Result struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
}

// Adapter is the capability set every backend kind must satisfy identically
// in signature and error shape. Capabilities an engine cannot support return
// NOT_SUPPORTED rather than silently doing nothing.
type Adapter interface {
	// Kind reports the backend kind this adapter talks to.
	Kind() Kind
	// Ping verifies the session is alive.
	Ping(ctx context.Context) error
	// ExecuteQuery runs one statement with positional parameters.
	ExecuteQuery(ctx context.Context, statement string, params ...any) (*Result, error)
	// ListTables returns table (or collection) names.
	ListTables(ctx context.Context) ([]string, error)
	// TableSchema returns columns and primary key for one table.
	TableSchema(ctx context.Context, table string) (*TableSchema, error)
	// InsertRows performs one parameterized multi-row insert and returns
	// the number of rows written. Used by restore and bulk import.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	// Begin opens the session's single transaction. A second Begin before
	// Commit or Rollback is an error.
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// QueryPlan returns planner/cost information for a statement.
	QueryPlan(ctx context.Context, statement string) (*Result, error)
	// Close releases the underlying session.
	Close() error
}

// New dials a backend of the given kind.
func New(kind Kind, creds Credentials) (Adapter, error) {
	if creds.DSN() == "" {
		return nil, apperrors.NewValidation("credentials missing connection string", nil)
	}

	switch kind {
	case KindPostgres:
		return newPostgresAdapter(creds)
	case KindMySQL:
		return newMySQLAdapter(creds)
	case KindSQLite:
		return newSQLiteAdapter(creds)
	case KindMongoDB:
		return newMongoAdapter(creds)
	case KindRedis:
		return newRedisAdapter(creds)
	default:
		return nil, apperrors.NewValidation(fmt.Sprintf("unsupported backend kind '%s'", kind), nil)
	}
}
