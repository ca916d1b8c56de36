package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dbridge-io/dbridge/core/adapters"
	"github.com/dbridge-io/dbridge/core/logger"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

// Status is the lifecycle state of a configured connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Connection is the caller-visible snapshot of a configured connection.
// Credentials are write-only and never appear here.
type Connection struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      adapters.Kind `json:"kind"`
	Status    Status        `json:"status"`
	LastError string        `json:"lastError,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Statistics summarizes the catalog grouped by status and kind.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
	ByKind   map[string]int `json:"byKind"`
}

// Dialer dials a backend; swapped out in tests.
type Dialer func(kind adapters.Kind, creds adapters.Credentials) (adapters.Adapter, error)

// entry is the registry's private record: snapshot plus the live adapter
// and the credentials needed to re-dial.
type entry struct {
	conn    Connection
	creds   adapters.Credentials
	adapter adapters.Adapter
}

// Registry owns the catalog of configured connections and their adapters.
// All connection state lives behind this object; there is no package-level
// shared state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	dial    Dialer
	log     *logger.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer overrides how backends are dialed.
func WithDialer(dial Dialer) Option {
	return func(r *Registry) { r.dial = dial }
}

// New creates an empty connection registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		dial:    adapters.New,
		log:     logger.New("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates the kind, dials the backend and stores the connection.
func (r *Registry) Create(ctx context.Context, name, kind string, creds adapters.Credentials) (*Connection, error) {
	if name == "" {
		return nil, apperrors.NewValidation("connection name cannot be empty", nil)
	}

	parsedKind, err := adapters.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	adapter, err := r.dial(parsedKind, creds)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &entry{
		conn: Connection{
			ID:        uuid.NewString(),
			Name:      name,
			Kind:      parsedKind,
			Status:    StatusConnected,
			CreatedAt: now,
			UpdatedAt: now,
		},
		creds:   creds,
		adapter: adapter,
	}

	r.mu.Lock()
	r.entries[e.conn.ID] = e
	r.mu.Unlock()

	r.log.Infof("connection '%s' (%s) created as %s", name, parsedKind, e.conn.ID)
	return snapshot(e), nil
}

// Get returns the connection snapshot for an id.
func (r *Registry) Get(id string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperrors.NewNotFound("connection", id)
	}
	return snapshot(e), nil
}

// List returns snapshots of every configured connection.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, snapshot(e))
	}
	return out
}

// Adapter resolves the live adapter for a connection id. Components above
// the registry (executor, migrations, backups, transfers) go through this.
func (r *Registry) Adapter(id string) (adapters.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperrors.NewNotFound("connection", id)
	}
	if e.conn.Status != StatusConnected {
		return nil, apperrors.NewConnection(fmt.Sprintf("connection '%s' is %s", id, e.conn.Status), nil)
	}
	return e.adapter, nil
}

// UpdateRequest carries the mutable fields of a connection. Nil fields are
// left untouched.
type UpdateRequest struct {
	Name        *string
	Credentials adapters.Credentials
}

// Update renames a connection and/or swaps its credentials. A credential
// change tears down the session and dials with the new ones.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperrors.NewNotFound("connection", id)
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, apperrors.NewValidation("connection name cannot be empty", nil)
		}
		e.conn.Name = *req.Name
	}

	if req.Credentials != nil {
		adapter, err := r.dial(e.conn.Kind, req.Credentials)
		if err != nil {
			e.conn.Status = StatusError
			e.conn.LastError = err.Error()
			e.conn.UpdatedAt = time.Now().UTC()
			return nil, err
		}
		if e.adapter != nil {
			_ = e.adapter.Close()
		}
		e.adapter = adapter
		e.creds = req.Credentials
		e.conn.Status = StatusConnected
		e.conn.LastError = ""
	}

	e.conn.UpdatedAt = time.Now().UTC()
	return snapshot(e), nil
}

// Delete closes the session and removes the connection.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return apperrors.NewNotFound("connection", id)
	}

	if e.adapter != nil {
		if err := e.adapter.Close(); err != nil {
			r.log.Warnf("closing connection '%s': %v", id, err)
		}
	}
	r.log.Infof("connection %s deleted", id)
	return nil
}

// Test verifies liveness without mutating stored state.
func (r *Registry) Test(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFound("connection", id)
	}
	if e.adapter == nil {
		return apperrors.NewConnection(fmt.Sprintf("connection '%s' has no live session", id), nil)
	}
	return e.adapter.Ping(ctx)
}

// Reconnect tears down the session and re-establishes it from the stored
// credentials, transitioning status accordingly.
func (r *Registry) Reconnect(ctx context.Context, id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, apperrors.NewNotFound("connection", id)
	}

	if e.adapter != nil {
		_ = e.adapter.Close()
		e.adapter = nil
	}
	e.conn.Status = StatusDisconnected

	adapter, err := r.dial(e.conn.Kind, e.creds)
	if err != nil {
		e.conn.Status = StatusError
		e.conn.LastError = err.Error()
		e.conn.UpdatedAt = time.Now().UTC()
		return nil, err
	}

	e.adapter = adapter
	e.conn.Status = StatusConnected
	e.conn.LastError = ""
	e.conn.UpdatedAt = time.Now().UTC()

	r.log.Infof("connection %s reconnected", id)
	return snapshot(e), nil
}

// Statistics returns counts grouped by status and kind.
func (r *Registry) Statistics() *Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &Statistics{
		Total:    len(r.entries),
		ByStatus: make(map[Status]int),
		ByKind:   make(map[string]int),
	}
	for _, e := range r.entries {
		stats.ByStatus[e.conn.Status]++
		stats.ByKind[string(e.conn.Kind)]++
	}
	return stats
}

// CloseAll closes every session in parallel, collecting all errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	r.log.Debugf("closing %d connection(s)", len(entries))

	var g errgroup.Group
	for id, e := range entries {
		if e.adapter == nil {
			continue
		}
		g.Go(func() error {
			if err := e.adapter.Close(); err != nil {
				return fmt.Errorf("connection '%s': %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func snapshot(e *entry) *Connection {
	c := e.conn
	return &c
}
