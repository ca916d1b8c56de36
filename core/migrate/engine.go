package migrate

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dbridge-io/dbridge/core/logger"
	"github.com/dbridge-io/dbridge/core/metrics"
	"github.com/dbridge-io/dbridge/core/registry"
	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/shared/sqltext"
	"github.com/dbridge-io/dbridge/core/store"
)

// Engine versions and applies schema changes per connection. Migration
// metadata and the advisory lock live in the metadata store; the scripts
// themselves run against the target connection's adapter.
type Engine struct {
	registry *registry.Registry
	store    *store.Store
	holder   string
	log      *logger.Logger
}

// StatusSummary aggregates migration counts for a connection.
type StatusSummary struct {
	Total      int              `json:"total"`
	Applied    int              `json:"applied"`
	Pending    int              `json:"pending"`
	Failed     int              `json:"failed"`
	RolledBack int              `json:"rolledBack"`
	Latest     *store.Migration `json:"latest,omitempty"`
}

// BatchReport describes an apply-all or rollback-to run. Steps already
// completed stay committed when a later step fails.
type BatchReport struct {
	Completed []string `json:"completed"`
	FailedID  string   `json:"failedId,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// New creates a migration engine. The holder identity names this process
// in the advisory lock row.
func New(reg *registry.Registry, st *store.Store) *Engine {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Engine{
		registry: reg,
		store:    st,
		holder:   fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		log:      logger.New("migrate"),
	}
}

// Init creates the migration control tables. Idempotent.
func (e *Engine) Init(ctx context.Context) error {
	return e.store.EnsureSchema(ctx)
}

// Create registers a migration for a connection. The version is assigned
// by the store, strictly increasing per connection, and never changes.
func (e *Engine) Create(ctx context.Context, connectionID, name, upScript, downScript string, dependsOn []string) (*store.Migration, error) {
	if name == "" {
		return nil, apperrors.NewValidation("migration name cannot be empty", nil)
	}
	if upScript == "" {
		return nil, apperrors.NewValidation("migration forward script cannot be empty", nil)
	}
	if _, err := e.registry.Get(connectionID); err != nil {
		return nil, err
	}

	// Dependencies must exist and belong to the same connection
	for _, dep := range dependsOn {
		m, err := e.store.GetMigration(ctx, dep)
		if err != nil {
			return nil, err
		}
		if m.ConnectionID != connectionID {
			return nil, apperrors.NewValidation(
				fmt.Sprintf("dependency '%s' belongs to a different connection", dep), nil)
		}
	}

	m := &store.Migration{
		ConnectionID: connectionID,
		Name:         name,
		UpScript:     upScript,
		DownScript:   downScript,
		DependsOn:    dependsOn,
	}
	if err := e.store.CreateMigration(ctx, m); err != nil {
		return nil, err
	}

	e.log.Infof("migration '%s' created as version %d for %s", name, m.Version, connectionID)
	return m, nil
}

// Get loads one migration.
func (e *Engine) Get(ctx context.Context, id string) (*store.Migration, error) {
	return e.store.GetMigration(ctx, id)
}

// List returns a connection's migrations in ascending version order.
func (e *Engine) List(ctx context.Context, connectionID string) ([]*store.Migration, error) {
	if _, err := e.registry.Get(connectionID); err != nil {
		return nil, err
	}
	return e.store.ListMigrations(ctx, connectionID)
}

// Apply runs a migration's forward script. Every dependency must already
// be applied, and the per-connection advisory lock must be free; neither
// check waits or retries.
func (e *Engine) Apply(ctx context.Context, id string) error {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}

	if m.Status != store.MigrationPending && m.Status != store.MigrationFailed {
		return apperrors.NewValidation(
			fmt.Sprintf("migration '%s' is %s; only pending or failed migrations can be applied", id, m.Status), nil)
	}

	if err := e.checkDependencies(ctx, m); err != nil {
		return err
	}

	if err := e.store.TryAcquireLock(ctx, m.ConnectionID, e.holder); err != nil {
		return err
	}
	defer func() {
		if err := e.store.ReleaseLock(context.WithoutCancel(ctx), m.ConnectionID, e.holder); err != nil {
			e.log.Errorf("releasing migration lock for %s: %v", m.ConnectionID, err)
		}
	}()

	runErr := e.runScript(ctx, m.ConnectionID, m.UpScript)
	metrics.ObserveMigration("apply", runErr)

	if runErr != nil {
		if err := e.store.SetMigrationStatus(ctx, m.ID, store.MigrationFailed, runErr.Error(), nil); err != nil {
			e.log.Errorf("recording failure of migration %s: %v", m.ID, err)
		}
		e.appendHistory(ctx, m, "apply_failed", runErr.Error())
		return apperrors.NewExecution(fmt.Sprintf("migration '%s' failed", m.ID), runErr)
	}

	now := time.Now().UTC()
	if err := e.store.SetMigrationStatus(ctx, m.ID, store.MigrationApplied, "", &now); err != nil {
		return err
	}
	e.appendHistory(ctx, m, "apply", "")
	e.log.Infof("migration %s (v%d) applied on %s", m.ID, m.Version, m.ConnectionID)
	return nil
}

// Rollback runs a migration's backward script. Only applied migrations
// can be rolled back.
func (e *Engine) Rollback(ctx context.Context, id string) error {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return err
	}

	if m.Status != store.MigrationApplied {
		return apperrors.NewValidation(
			fmt.Sprintf("migration '%s' is %s; only applied migrations can be rolled back", id, m.Status), nil)
	}
	if m.DownScript == "" {
		return apperrors.NewValidation(fmt.Sprintf("migration '%s' has no backward script", id), nil)
	}

	if err := e.store.TryAcquireLock(ctx, m.ConnectionID, e.holder); err != nil {
		return err
	}
	defer func() {
		if err := e.store.ReleaseLock(context.WithoutCancel(ctx), m.ConnectionID, e.holder); err != nil {
			e.log.Errorf("releasing migration lock for %s: %v", m.ConnectionID, err)
		}
	}()

	runErr := e.runScript(ctx, m.ConnectionID, m.DownScript)
	metrics.ObserveMigration("rollback", runErr)

	if runErr != nil {
		if err := e.store.SetMigrationStatus(ctx, m.ID, store.MigrationFailed, runErr.Error(), nil); err != nil {
			e.log.Errorf("recording failure of migration %s: %v", m.ID, err)
		}
		e.appendHistory(ctx, m, "rollback_failed", runErr.Error())
		return apperrors.NewExecution(fmt.Sprintf("rollback of migration '%s' failed", m.ID), runErr)
	}

	if err := e.store.SetMigrationStatus(ctx, m.ID, store.MigrationRolledBack, "", nil); err != nil {
		return err
	}
	e.appendHistory(ctx, m, "rollback", "")
	e.log.Infof("migration %s (v%d) rolled back on %s", m.ID, m.Version, m.ConnectionID)
	return nil
}

// ApplyAll applies every pending migration in ascending version order.
// The first failure halts the batch; earlier steps remain committed.
func (e *Engine) ApplyAll(ctx context.Context, connectionID string) (*BatchReport, error) {
	pending, err := e.byStatus(ctx, connectionID, store.MigrationPending)
	if err != nil {
		return nil, err
	}

	report := &BatchReport{}
	for _, m := range pending {
		if err := e.Apply(ctx, m.ID); err != nil {
			report.FailedID = m.ID
			report.Error = err.Error()
			return report, apperrors.NewPartialFailure("apply-all", 1, len(pending))
		}
		report.Completed = append(report.Completed, m.ID)
	}
	return report, nil
}

// RollbackTo rolls back every applied migration with version greater
// than target, in descending version order.
func (e *Engine) RollbackTo(ctx context.Context, connectionID string, targetVersion int64) (*BatchReport, error) {
	applied, err := e.byStatus(ctx, connectionID, store.MigrationApplied)
	if err != nil {
		return nil, err
	}

	var above []*store.Migration
	for _, m := range applied {
		if m.Version > targetVersion {
			above = append(above, m)
		}
	}
	sort.Slice(above, func(i, j int) bool { return above[i].Version > above[j].Version })

	report := &BatchReport{}
	for _, m := range above {
		if err := e.Rollback(ctx, m.ID); err != nil {
			report.FailedID = m.ID
			report.Error = err.Error()
			return report, apperrors.NewPartialFailure("rollback-to", 1, len(above))
		}
		report.Completed = append(report.Completed, m.ID)
	}
	return report, nil
}

// DryRun returns the forward script text without executing anything.
func (e *Engine) DryRun(ctx context.Context, id string) (string, error) {
	m, err := e.store.GetMigration(ctx, id)
	if err != nil {
		return "", err
	}
	return m.UpScript, nil
}

// Status aggregates migration counts per state plus the latest migration.
func (e *Engine) Status(ctx context.Context, connectionID string) (*StatusSummary, error) {
	all, err := e.List(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	summary := &StatusSummary{Total: len(all)}
	for _, m := range all {
		switch m.Status {
		case store.MigrationApplied:
			summary.Applied++
		case store.MigrationPending:
			summary.Pending++
		case store.MigrationFailed:
			summary.Failed++
		case store.MigrationRolledBack:
			summary.RolledBack++
		}
		if summary.Latest == nil || m.Version > summary.Latest.Version {
			summary.Latest = m
		}
	}
	return summary, nil
}

// History returns the immutable migration audit trail for a connection.
func (e *Engine) History(ctx context.Context, connectionID string) ([]*store.HistoryRecord, error) {
	if _, err := e.registry.Get(connectionID); err != nil {
		return nil, err
	}
	return e.store.History(ctx, connectionID)
}

func (e *Engine) checkDependencies(ctx context.Context, m *store.Migration) error {
	var unmet []string
	for _, dep := range m.DependsOn {
		d, err := e.store.GetMigration(ctx, dep)
		if err != nil {
			if apperrors.IsNotFound(err) {
				unmet = append(unmet, dep)
				continue
			}
			return err
		}
		if d.Status != store.MigrationApplied {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		return &apperrors.DependencyError{MigrationID: m.ID, Unmet: unmet}
	}
	return nil
}

// runScript executes a script statement by statement on the connection's
// adapter. The first failing statement aborts the script.
func (e *Engine) runScript(ctx context.Context, connectionID, script string) error {
	adapter, err := e.registry.Adapter(connectionID)
	if err != nil {
		return err
	}

	for _, stmt := range sqltext.SplitStatements(script) {
		if _, err := adapter.ExecuteQuery(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) appendHistory(ctx context.Context, m *store.Migration, action, detail string) {
	rec := &store.HistoryRecord{
		ConnectionID: m.ConnectionID,
		MigrationID:  m.ID,
		Action:       action,
		Detail:       detail,
	}
	if err := e.store.AppendHistory(ctx, rec); err != nil {
		e.log.Errorf("appending migration history for %s: %v", m.ID, err)
	}
}

func (e *Engine) byStatus(ctx context.Context, connectionID, status string) ([]*store.Migration, error) {
	all, err := e.List(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	var out []*store.Migration
	for _, m := range all {
		if m.Status == status {
			out = append(out, m)
		}
	}
	return out, nil
}
