package backup

import (
	"context"
)

// ApplyRetentionPolicy prunes a schedule's connection down to its
// retention count. A retention of zero keeps everything.
func (m *Manager) ApplyRetentionPolicy(ctx context.Context, scheduleID string) error {
	sched, err := m.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if sched.Retention <= 0 {
		return nil
	}
	return m.applyRetention(ctx, sched.ConnectionID, sched.Retention)
}

// applyRetention keeps the keep most recent backups for a connection and
// deletes the rest, oldest first. Pruning is best effort: one failed
// deletion does not stop the others.
func (m *Manager) applyRetention(ctx context.Context, connectionID string, keep int) error {
	backups, err := m.store.ListBackups(ctx, connectionID)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}

	// ListBackups is newest first; everything past keep goes
	excess := backups[keep:]
	for i := len(excess) - 1; i >= 0; i-- {
		rec := excess[i]
		if err := m.Delete(ctx, rec.ID); err != nil {
			m.log.Warnf("retention: deleting backup %s: %v", rec.ID, err)
			continue
		}
		m.log.Debugf("retention: backup %s pruned", rec.ID)
	}
	return nil
}
