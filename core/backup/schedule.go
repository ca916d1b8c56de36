package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
	"github.com/dbridge-io/dbridge/core/store"
)

// Schedules are metadata: the gateway validates the cron expression and
// computes run times, but an external scheduler fires them by calling
// RunSchedule.

// CreateSchedule validates and persists a backup schedule for a
// connection. Retention is the number of most recent backups to keep;
// zero disables pruning.
func (m *Manager) CreateSchedule(ctx context.Context, connectionID, cronExpr string, retention int, opts Options) (*store.BackupSchedule, error) {
	if _, err := m.registry.Get(connectionID); err != nil {
		return nil, err
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, apperrors.NewValidation(fmt.Sprintf("invalid cron expression '%s'", cronExpr), err)
	}
	if retention < 0 {
		return nil, apperrors.NewValidation("retention cannot be negative", nil)
	}

	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode backup options: %w", err)
	}

	next := schedule.Next(time.Now().UTC())
	sched := &store.BackupSchedule{
		ConnectionID: connectionID,
		CronExpr:     cronExpr,
		Retention:    retention,
		Options:      string(encoded),
		Enabled:      true,
		NextRun:      &next,
	}
	if err := m.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	m.log.Infof("backup schedule %s for %s created (%s)", sched.ID, connectionID, cronExpr)
	return sched, nil
}

// GetSchedule loads one schedule.
func (m *Manager) GetSchedule(ctx context.Context, id string) (*store.BackupSchedule, error) {
	return m.store.GetSchedule(ctx, id)
}

// ListSchedules returns schedules, optionally filtered by connection.
func (m *Manager) ListSchedules(ctx context.Context, connectionID string) ([]*store.BackupSchedule, error) {
	return m.store.ListSchedules(ctx, connectionID)
}

// ScheduleUpdate carries the mutable fields of a schedule. Nil fields
// are left untouched.
type ScheduleUpdate struct {
	CronExpr  *string
	Retention *int
	Enabled   *bool
}

// UpdateSchedule rewrites a schedule's mutable fields, revalidating the
// cron expression when it changes.
func (m *Manager) UpdateSchedule(ctx context.Context, id string, upd ScheduleUpdate) (*store.BackupSchedule, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.CronExpr != nil {
		schedule, err := cron.ParseStandard(*upd.CronExpr)
		if err != nil {
			return nil, apperrors.NewValidation(fmt.Sprintf("invalid cron expression '%s'", *upd.CronExpr), err)
		}
		sched.CronExpr = *upd.CronExpr
		next := schedule.Next(time.Now().UTC())
		sched.NextRun = &next
	}
	if upd.Retention != nil {
		if *upd.Retention < 0 {
			return nil, apperrors.NewValidation("retention cannot be negative", nil)
		}
		sched.Retention = *upd.Retention
	}
	if upd.Enabled != nil {
		sched.Enabled = *upd.Enabled
	}

	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule removes a schedule.
func (m *Manager) DeleteSchedule(ctx context.Context, id string) error {
	return m.store.DeleteSchedule(ctx, id)
}

// RunSchedule is the entry point for the external scheduler: it takes
// the backup with the schedule's stored options, prunes old backups per
// retention, and advances the run bookkeeping.
func (m *Manager) RunSchedule(ctx context.Context, id string) (*store.BackupRecord, error) {
	sched, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sched.Enabled {
		return nil, apperrors.NewValidation(fmt.Sprintf("schedule '%s' is disabled", id), nil)
	}

	var opts Options
	if sched.Options != "" {
		if err := json.Unmarshal([]byte(sched.Options), &opts); err != nil {
			return nil, apperrors.NewValidation("schedule has corrupt backup options", err)
		}
	}

	rec, err := m.Create(ctx, sched.ConnectionID, opts)
	if err != nil {
		return nil, err
	}

	if sched.Retention > 0 {
		if err := m.applyRetention(ctx, sched.ConnectionID, sched.Retention); err != nil {
			m.log.Warnf("pruning backups for %s: %v", sched.ConnectionID, err)
		}
	}

	now := time.Now().UTC()
	sched.LastRun = &now
	if schedule, err := cron.ParseStandard(sched.CronExpr); err == nil {
		next := schedule.Next(now)
		sched.NextRun = &next
	}
	if err := m.store.UpdateSchedule(ctx, sched); err != nil {
		m.log.Warnf("updating schedule %s after run: %v", id, err)
	}

	return rec, nil
}
