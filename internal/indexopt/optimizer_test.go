package indexopt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeAppliesBasicIVFFlat(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 5000, 120, map[string]int64{UserLight: 120})
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)

	assert.True(t, rep.Optimized)
	require.NotNil(t, rep.Strategy)
	assert.Equal(t, StrategyIVFFlatBasic, rep.Strategy.Type)
	assert.Equal(t, 50, rep.Strategy.Lists)
	assert.Equal(t, "Created ivfflat_basic index", rep.Action)

	drop := f.index("DROP INDEX IF EXISTS idx_memories_embedding_optimized")
	create := f.index("USING ivfflat (embedding vector_cosine_ops) WITH (lists = 50)")
	probes := f.index("SET ivfflat.probes = 5")
	analyze := f.index("ANALYZE memories")
	require.True(t, drop >= 0 && create >= 0 && probes >= 0 && analyze >= 0)
	assert.Less(t, drop, create)
	assert.Less(t, create, probes)
	assert.Less(t, probes, analyze)
}

func TestOptimizeSkipsSmallTable(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 50, 5, nil)
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", false)
	require.NoError(t, err)
	assert.False(t, rep.Optimized)
	assert.Contains(t, rep.Reason, "below optimization floor")
	assert.False(t, f.has("DROP INDEX"))
}

func TestOptimizeRespectsInterval(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 5000, 120, nil)
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", false)
	require.NoError(t, err)
	require.True(t, rep.Optimized)

	rep, err = o.Optimize(context.Background(), "memories", false)
	require.NoError(t, err)
	assert.False(t, rep.Optimized)
	assert.Contains(t, rep.Reason, "minimum interval")

	// Forcing right after still selects the same strategy.
	rep, err = o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	require.True(t, rep.Optimized)
	assert.Equal(t, StrategyIVFFlatBasic, rep.Strategy.Type)
	assert.Equal(t, 50, rep.Strategy.Lists)
}

func TestOptimizeCollapsesConcurrentRuns(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 5000, 120, nil)
	o := newOptimizer(f, nil)

	require.True(t, o.begin("memories"))
	defer o.end("memories")

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	assert.False(t, rep.Optimized)
	assert.Equal(t, "optimization already in progress", rep.Reason)
	assert.Empty(t, f.queries)
}

func TestOptimizePowerUsersAddCompositeIndex(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 50_000, 100, map[string]int64{UserLight: 70, UserPower: 30})
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	require.Equal(t, StrategyIVFFlatOptimized, rep.Strategy.Type)
	assert.True(t, rep.Strategy.UserOptimized)
	assert.True(t, f.has("idx_memories_user_importance"))
	assert.True(t, f.has("SET ivfflat.probes = 20"))
}

func TestOptimizePartitionsLargeSingleTenantTable(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 150_000, 500, map[string]int64{UserHeavy: 300, UserPower: 200})
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	require.Equal(t, StrategyPartitionedIVFFlat, rep.Strategy.Type)

	assert.True(t, f.has("WITH (lists = 1000)"))
	assert.True(t, f.has("idx_memories_user_embedding"))
	assert.True(t, f.has("SET ivfflat.probes = 15"))
	assert.True(t, f.has("ANALYZE memories"))
}

func TestOptimizePromotesToHNSW(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 150_000, 3_000, map[string]int64{UserMedium: 3_000})
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	require.Equal(t, StrategyHNSW, rep.Strategy.Type)
	assert.Equal(t, 16, rep.Strategy.M)
	assert.Equal(t, 200, rep.Strategy.EFConstruction)

	assert.True(t, f.has("USING hnsw (embedding vector_cosine_ops) WITH (m = 16, ef_construction = 200)"))
	assert.True(t, f.has("SET hnsw.ef_search = 100"))
}

func TestOptimizeFallsBackWhenHNSWUnavailable(t *testing.T) {
	f := &queryFake{}
	f.on("USING hnsw", `{"success":false,"error":"access method \"hnsw\" does not exist"}`)
	stubStats(f, 150_000, 3_000, map[string]int64{UserMedium: 3_000})
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)

	require.Equal(t, StrategyIVFFlatOptimized, rep.Strategy.Type)
	assert.Equal(t, 1000, rep.Strategy.Lists)
	assert.Equal(t, 50, rep.Strategy.Probes)

	assert.True(t, f.has("USING ivfflat (embedding vector_cosine_ops) WITH (lists = 1000)"))
	assert.True(t, f.has("SET ivfflat.probes = 50"))
	assert.False(t, f.has("SET hnsw.ef_search"))
}

func TestOptimizeRemovesIndexForTinyTable(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 500, 10, nil)
	o := newOptimizer(f, nil)

	rep, err := o.Optimize(context.Background(), "memories", true)
	require.NoError(t, err)
	assert.True(t, rep.Optimized)
	assert.Equal(t, StrategyNone, rep.Strategy.Type)
	assert.Equal(t, "Removed index for small dataset", rep.Action)

	assert.True(t, f.has("DROP INDEX IF EXISTS idx_memories_embedding_optimized"))
	assert.False(t, f.has("CREATE INDEX"))
	assert.False(t, f.has("ANALYZE"))
}

func TestBuildVectorIndexOnFreshTable(t *testing.T) {
	f := &queryFake{}
	f.on("COUNT(DISTINCT metadata->>'user_id')",
		`{"success":true,"rows":[[0,0,0,null,null,null,null]]}`)
	o := newOptimizer(f, nil)

	require.NoError(t, o.BuildVectorIndex(context.Background(), "memories"))
	assert.False(t, f.has("CREATE INDEX"), "empty tables stay on sequential scan")
}

func TestRecommendDoesNotTouchIndexes(t *testing.T) {
	f := &queryFake{}
	stubStats(f, 150_000, 3_000, map[string]int64{UserMedium: 3_000})
	o := newOptimizer(f, nil)

	stats, strategy, err := o.Recommend(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 150_000, stats.RowCount)
	assert.Equal(t, StrategyHNSW, strategy.Type)
	assert.False(t, f.has("DROP INDEX"))
	assert.False(t, f.has("CREATE INDEX"))
}
