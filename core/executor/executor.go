package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/logger"
	"github.com/dbridge-io/dbridge/core/metrics"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// DefaultHistorySize bounds the per-connection history ring when the
// caller does not configure one.
const DefaultHistorySize = 100

// QueryResponse is the result of one statement execution.
type QueryResponse struct {
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"rowCount"`
	TimingMs float64          `json:"timingMs"`
}

// session tracks per-connection transaction state. opMu serializes
// individual operations; txToken marks the session as checked out for a
// transaction, and only statements presenting the token run until
// commit or rollback.
type session struct {
	opMu    sync.Mutex
	txToken string
}

// Executor executes statements and transactions against connections
// resolved through the registry.
type Executor struct {
	registry *registry.Registry
	history  *historyStore
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures an Executor.
type Option func(*Executor)

// WithHistorySize bounds the per-connection history ring.
func WithHistorySize(size int) Option {
	return func(e *Executor) { e.history = newHistoryStore(size) }
}

// New creates a query executor on top of a connection registry.
func New(reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: reg,
		history:  newHistoryStore(DefaultHistorySize),
		log:      logger.New("executor"),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) session(connectionID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[connectionID]
	if !ok {
		s = &session{}
		e.sessions[connectionID] = s
	}
	return s
}

// ExecuteQuery runs one statement, records it into the connection's
// history ring and returns rows, row count and timing. While a
// transaction is open on the connection the session belongs to its
// owner and plain statements are rejected; use ExecuteInTransaction.
func (e *Executor) ExecuteQuery(ctx context.Context, connectionID, statement string, params ...any) (*QueryResponse, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}

	s := e.session(connectionID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.txToken != "" {
		return nil, apperrors.NewValidation("connection has an open transaction; statements must present its token", nil)
	}
	return e.execute(ctx, adapter, connectionID, statement, params...)
}

// ExecuteInTransaction runs one statement inside the open transaction
// identified by token, obtained from BeginTransaction.
func (e *Executor) ExecuteInTransaction(ctx context.Context, connectionID, token, statement string, params ...any) (*QueryResponse, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}

	s := e.session(connectionID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.txToken == "" {
		return nil, apperrors.NewValidation("no open transaction on this connection", nil)
	}
	if token != s.txToken {
		return nil, apperrors.NewValidation("token does not match the open transaction", nil)
	}
	return e.execute(ctx, adapter, connectionID, statement, params...)
}

// execute runs the statement and records history and metrics. Callers
// hold the session's opMu.
func (e *Executor) execute(ctx context.Context, adapter adapters.Adapter, connectionID, statement string, params ...any) (*QueryResponse, error) {
	start := time.Now()
	result, err := adapter.ExecuteQuery(ctx, statement, params...)
	elapsed := time.Since(start)

	metrics.ObserveQuery(connectionID, string(adapter.Kind()), elapsed, err)
	e.history.record(connectionID, HistoryEntry{
		Statement: statement,
		TimingMs:  float64(elapsed.Microseconds()) / 1000.0,
		Timestamp: start.UTC(),
	})

	if err != nil {
		e.log.Debugf("statement on %s failed after %s: %v", connectionID, elapsed, err)
		return nil, err
	}

	return &QueryResponse{
		Rows:     result.Rows,
		RowCount: result.RowCount,
		TimingMs: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// History returns up to limit entries for a connection, newest first.
func (e *Executor) History(connectionID string, limit int) ([]HistoryEntry, error) {
	if _, err := e.registry.Get(connectionID); err != nil {
		return nil, err
	}
	return e.history.recent(connectionID, limit), nil
}

// ClearHistory drops the history ring for a connection.
func (e *Executor) ClearHistory(connectionID string) error {
	if _, err := e.registry.Get(connectionID); err != nil {
		return err
	}
	e.history.clear(connectionID)
	return nil
}

// BeginTransaction checks the connection's session out for a
// transaction and returns the token its statements must present. The
// session stays checked out until commit or rollback; a second begin
// before then is an error.
func (e *Executor) BeginTransaction(ctx context.Context, connectionID string) (string, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return "", err
	}

	s := e.session(connectionID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.txToken != "" {
		return "", apperrors.NewValidation("transaction already open on this connection", nil)
	}
	if err := adapter.Begin(ctx); err != nil {
		return "", err
	}
	s.txToken = uuid.NewString()
	e.log.Debugf("transaction opened on %s", connectionID)
	return s.txToken, nil
}

// CommitTransaction commits the open transaction and releases the
// session for plain statements.
func (e *Executor) CommitTransaction(ctx context.Context, connectionID, token string) error {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return err
	}

	s := e.session(connectionID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.txToken == "" {
		return apperrors.NewValidation("no open transaction to commit", nil)
	}
	if token != s.txToken {
		return apperrors.NewValidation("token does not match the open transaction", nil)
	}
	err = adapter.Commit(ctx)
	s.txToken = ""
	return err
}

// RollbackTransaction rolls back the open transaction and releases the
// session for plain statements.
func (e *Executor) RollbackTransaction(ctx context.Context, connectionID, token string) error {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return err
	}

	s := e.session(connectionID)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.txToken == "" {
		return apperrors.NewValidation("no open transaction to roll back", nil)
	}
	if token != s.txToken {
		return apperrors.NewValidation("token does not match the open transaction", nil)
	}
	err = adapter.Rollback(ctx)
	s.txToken = ""
	return err
}

// QueryMetrics returns planner/cost information where the backend
// supports it; NOT_SUPPORTED otherwise.
func (e *Executor) QueryMetrics(ctx context.Context, connectionID, statement string) (*adapters.Result, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}
	return adapter.QueryPlan(ctx, statement)
}

// ListTables exposes the adapter's table listing to collaborators.
func (e *Executor) ListTables(ctx context.Context, connectionID string) ([]string, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}
	return adapter.ListTables(ctx)
}

// TableSchema exposes the adapter's schema introspection to collaborators.
func (e *Executor) TableSchema(ctx context.Context, connectionID, table string) (*adapters.TableSchema, error) {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return nil, err
	}
	return adapter.TableSchema(ctx, table)
}
