package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// sweepPurgeDays bounds how long demoted memories stay in the cold archive.
const sweepPurgeDays = 90

// SweepReport summarizes one usage-driven replanning pass.
type SweepReport struct {
	UsersSwept      int     `json:"users_swept"`
	MemoriesChecked int     `json:"memories_checked"`
	PlansChanged    int     `json:"plans_changed"`
	Promotions      int     `json:"promotions"`
	Demotions       int     `json:"demotions"`
	Archived        int     `json:"archived"`
	EventsPruned    int     `json:"events_pruned"`
	ArchivesPurged  int     `json:"archives_purged"`
	DurationMs      float64 `json:"duration_ms"`
}

// Sweep re-derives each tracked memory's storage plan against its observed
// usage and applies the difference: hot memories gain a cache tier, idle ones
// move toward the archive, dead RAG entries drop out of the index plan. Row
// failures are logged and skipped; the pass always ends with local-store
// maintenance.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	const op = "orchestrator.Sweep"
	start := time.Now()

	if o.local == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "no local store wired")
	}
	if o.vectors == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "no vector store wired")
	}

	report := &SweepReport{}

	users, err := o.local.TrackedUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		if err := o.sweepUser(ctx, user, report); err != nil {
			o.log.Warn("user sweep failed", zap.String("user_id", user), zap.Error(err))
			continue
		}
		report.UsersSwept++
	}

	mstats, err := o.local.Maintenance(ctx, store.MaintenanceConfig{
		PurgeArchivedOlderThanDays: sweepPurgeDays,
	})
	if err != nil {
		o.log.Warn("local maintenance failed", zap.Error(err))
	}
	report.EventsPruned = mstats.EventsPruned
	report.ArchivesPurged = mstats.ArchivesPurged

	report.DurationMs = float64(time.Since(start).Microseconds()) / 1000.0
	o.log.Info("usage sweep complete",
		zap.Int("users", report.UsersSwept),
		zap.Int("checked", report.MemoriesChecked),
		zap.Int("changed", report.PlansChanged),
		zap.Int("archived", report.Archived),
		zap.Float64("duration_ms", report.DurationMs))
	return report, nil
}

// sweepUser replans every tracked memory of one user.
func (o *Orchestrator) sweepUser(ctx context.Context, userID string, report *SweepReport) error {
	usage, err := o.local.UsageByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		return nil
	}

	rows, err := o.vectors.Query(ctx, fmt.Sprintf(
		`SELECT id, content, memory_type, importance, metadata FROM %s WHERE user_id = $1`,
		o.cfg.Table), userID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		id := asString(row[0])
		stats, tracked := usage[id]
		if !tracked {
			continue
		}
		report.MemoriesChecked++

		content := asString(row[1])
		memType := asString(row[2])
		importance := asFloat(row[3])

		current := o.adjustPlan(o.planner.Plan(types.ParsePath(memType), importance, len(content)))
		next := o.adjustPlan(o.planner.Replan(current, stats))
		if samePlan(current, next) {
			continue
		}

		if err := o.vectors.UpdateMetadata(ctx, o.cfg.Table, id, map[string]any{
			"storage_strategy": next,
			"replanned_at":     time.Now().UTC().Format(time.RFC3339),
		}, true); err != nil {
			o.log.Warn("replan write failed",
				zap.String("memory_id", id), zap.String("user_id", userID), zap.Error(err))
			continue
		}
		report.PlansChanged++

		if next.HasSecondary(types.LocationCache) && !current.HasSecondary(types.LocationCache) {
			report.Promotions++
		} else {
			report.Demotions++
		}

		if next.HasSecondary(types.LocationArchive) && !current.HasSecondary(types.LocationArchive) {
			if err := o.archiveCopy(ctx, types.Memory{
				ID:         id,
				UserID:     userID,
				Type:       types.ParsePath(memType),
				Content:    content,
				Importance: importance,
				Metadata:   asMetadata(row[4]),
			}); err != nil {
				o.log.Warn("archive copy failed", zap.String("memory_id", id), zap.Error(err))
			} else {
				report.Archived++
			}
		}
		if current.HasSecondary(types.LocationCache) && !next.HasSecondary(types.LocationCache) && o.cache != nil {
			if err := o.cache.Delete(ctx, userID, id); err != nil {
				o.log.Debug("cache eviction failed", zap.String("memory_id", id), zap.Error(err))
			}
		}

		o.emit(ctx, types.MemoryEvent{
			Type:       types.EventMemoryUpdated,
			UserID:     userID,
			MemoryID:   id,
			MemoryType: memType,
			Metadata: map[string]any{
				"reason":  "usage_replan",
				"primary": string(next.Primary),
			},
		})
	}
	return nil
}

// samePlan compares every decision a strategy carries.
func samePlan(a, b types.StorageStrategy) bool {
	return a.Primary == b.Primary &&
		slices.Equal(a.Secondary, b.Secondary) &&
		a.IncludesRAG == b.IncludesRAG &&
		a.IncludesEmbedding == b.IncludesEmbedding &&
		a.TTLSeconds == b.TTLSeconds &&
		a.Compression == b.Compression &&
		a.IndexForSearch == b.IndexForSearch
}

func asMetadata(v any) map[string]any {
	md, _ := v.(map[string]any)
	return md
}

// RunSweep runs Sweep on the given interval until ctx is canceled.
func (o *Orchestrator) RunSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	o.log.Info("usage sweep loop started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			o.log.Info("usage sweep loop stopped")
			return
		case <-time.After(interval):
		}

		if _, err := o.Sweep(ctx); err != nil {
			o.log.Error("scheduled sweep failed", zap.Error(err))
		}
	}
}
