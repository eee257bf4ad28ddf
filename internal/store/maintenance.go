package store

import (
	"context"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
)

// =============================================================================
// MAINTENANCE
// =============================================================================

// MaintenanceConfig bounds one cleanup pass over the local tiers.
type MaintenanceConfig struct {
	PurgeArchivedOlderThanDays int  // 0 keeps the archive forever
	VacuumDatabase             bool // reclaim space after large deletes
}

// MaintenanceStats reports what a cleanup pass removed.
type MaintenanceStats struct {
	EventsPruned     int  `json:"events_pruned"`
	ArchivesPurged   int  `json:"archives_purged"`
	DatabaseVacuumed bool `json:"database_vacuumed"`
}

// Maintenance prunes the journal to its retention, purges expired archive
// rows, and optionally vacuums. The journal prune always runs; the rest is
// opt-in.
func (s *Store) Maintenance(ctx context.Context, cfg MaintenanceConfig) (MaintenanceStats, error) {
	const op = "store.Maintenance"
	stats := MaintenanceStats{}

	pruned, err := s.PruneEvents(ctx)
	if err != nil {
		return stats, err
	}
	stats.EventsPruned = pruned

	if cfg.PurgeArchivedOlderThanDays > 0 {
		purged, err := s.PurgeArchived(ctx, cfg.PurgeArchivedOlderThanDays)
		if err != nil {
			return stats, err
		}
		stats.ArchivesPurged = purged
	}

	if cfg.VacuumDatabase {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return stats, memerr.Wrapf(memerr.KindStoreUnavailable, op, err, "vacuum")
		}
		stats.DatabaseVacuumed = true
	}

	s.log.Info("maintenance complete",
		zap.Int("events_pruned", stats.EventsPruned),
		zap.Int("archives_purged", stats.ArchivesPurged),
		zap.Bool("vacuumed", stats.DatabaseVacuumed))
	return stats, nil
}
