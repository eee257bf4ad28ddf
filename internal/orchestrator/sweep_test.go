package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/memerr"
	"mnemos/internal/types"
)

// sweepRows scripts the sweep's per-user row scan.
func sweepRows(rows [][]any) func(query string, params ...any) ([][]any, error) {
	return func(query string, _ ...any) ([][]any, error) {
		if strings.Contains(query, "importance, metadata") {
			return rows, nil
		}
		return nil, nil
	}
}

func TestSweepPromotesHotMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i < 12; i++ {
		require.NoError(t, f.local.RecordAccess(ctx, "u1", "m-hot"))
	}
	f.vectors.queryFn = sweepRows([][]any{
		{"m-hot", "어제 영화 봤어요", "conversation", 5.0, map[string]any{}},
		{"m-cold", "다른 기억", "conversation", 5.0, map[string]any{}},
	})

	report, err := f.orch.Sweep(ctx)
	require.NoError(t, err)

	// Twelve accesses in under a day clear the hot threshold; the untracked
	// row is never replanned.
	assert.Equal(t, 1, report.UsersSwept)
	assert.Equal(t, 1, report.MemoriesChecked)
	assert.Equal(t, 1, report.PlansChanged)
	assert.Equal(t, 1, report.Promotions)
	assert.Equal(t, 0, report.Demotions)
	assert.Equal(t, 0, report.Archived)

	require.Len(t, f.vectors.updates, 1)
	upd := f.vectors.updates[0]
	assert.Equal(t, "memories", upd.table)
	assert.Equal(t, "m-hot", upd.id)
	assert.True(t, upd.merge)
	assert.NotEmpty(t, upd.metadata["replanned_at"])
	next, ok := upd.metadata["storage_strategy"].(types.StorageStrategy)
	require.True(t, ok)
	assert.True(t, next.HasSecondary(types.LocationCache))

	events, err := f.local.RecentEvents(ctx, "u1", string(types.EventMemoryUpdated), 20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m-hot", events[0].MemoryID)
	assert.Equal(t, "usage_replan", events[0].Metadata["reason"])
}

func TestSweepDropsDeadRAG(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.local.RecordAccess(ctx, "u1", "m-idle"))
	f.vectors.queryFn = sweepRows([][]any{
		{"m-idle", "제 이름은 김철수입니다", "personal/identity/name", 9.0, map[string]any{}},
	})

	report, err := f.orch.Sweep(ctx)
	require.NoError(t, err)

	// Zero search hits on a RAG-indexed memory drop it from the index plan.
	assert.Equal(t, 1, report.PlansChanged)
	assert.Equal(t, 0, report.Promotions)
	assert.Equal(t, 1, report.Demotions)

	require.Len(t, f.vectors.updates, 1)
	next, ok := f.vectors.updates[0].metadata["storage_strategy"].(types.StorageStrategy)
	require.True(t, ok)
	assert.False(t, next.IncludesRAG)
	assert.False(t, next.HasSecondary(types.LocationRAG))
	assert.True(t, next.HasSecondary(types.LocationCache))
}

func TestSweepSkipsUnchangedPlans(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.local.RecordAccess(ctx, "u1", "m-same"))
	require.NoError(t, f.local.RecordAccess(ctx, "u1", "m-same"))
	f.vectors.queryFn = sweepRows([][]any{
		{"m-same", "오늘 점심 먹었어요", "conversation", 5.0, map[string]any{}},
	})

	report, err := f.orch.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.MemoriesChecked)
	assert.Equal(t, 0, report.PlansChanged)
	assert.Empty(t, f.vectors.updates)

	events, err := f.local.RecentEvents(ctx, "u1", string(types.EventMemoryUpdated), 20)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSweepUnavailable(t *testing.T) {
	ctx := context.Background()

	noLocal := newFixture(t, func(d *Deps, _ *Config) { d.Local = nil })
	_, err := noLocal.orch.Sweep(ctx)
	assert.True(t, memerr.IsKind(err, memerr.KindStoreUnavailable))

	noVectors := newFixture(t, func(d *Deps, _ *Config) { d.Vectors = nil })
	_, err = noVectors.orch.Sweep(ctx)
	assert.True(t, memerr.IsKind(err, memerr.KindStoreUnavailable))
}
