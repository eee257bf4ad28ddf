package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/types"
)

func TestReactStoreTraceAndCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	und := f.orch.Understand("u1", "제 이름은 김철수입니다")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "제 이름은 김철수입니다"}, und)
	require.NoError(t, err)

	// 9.0 base, +1.5 new user, +1.0 first of its type, capped at 10.
	require.True(t, res.Stored)
	assert.InDelta(t, 10.0, res.Importance, 1e-9)

	require.Len(t, trace, 6)
	assert.Equal(t, "thought: base importance 9.0 for personal/identity/name", trace[0])
	assert.Equal(t, "thought: new user, early memories weigh more (+1.5)", trace[1])
	assert.Equal(t, "thought: first memory of this type (+1.0)", trace[3])
	assert.Equal(t, "action: store as personal/identity/name at importance 10.0", trace[5])

	require.Len(t, f.vectors.rows, 1)
	assert.InDelta(t, 10.0, f.vectors.rows[0].metadata["importance"], 1e-9)
}

func TestReactStoreBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *Deps, cfg *Config) { cfg.ImportanceThreshold = 20 })

	und := f.orch.Understand("u1", "제 이름은 김철수입니다")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "제 이름은 김철수입니다"}, und)
	require.NoError(t, err)

	assert.False(t, res.Stored)
	assert.Equal(t, "below importance threshold", res.Reason)
	assert.InDelta(t, 10.0, res.Importance, 1e-9)
	require.NotEmpty(t, trace)
	assert.Equal(t, "thought: importance 10.0 below threshold 20.0, not storing", trace[len(trace)-1])

	// The probe ran, the store never did.
	assert.Len(t, f.searcher.requests, 1)
	assert.Empty(t, f.vectors.rows)
	assert.Empty(t, f.createdEvents(t, "u1"))
}

func TestReactStoreStepBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *Deps, cfg *Config) { cfg.MaxReasoningSteps = 2 })

	und := f.orch.Understand("u1", "제 이름은 김철수입니다")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "제 이름은 김철수입니다"}, und)
	require.NoError(t, err)

	// Two steps cover the base thought and the new-user boost; the probes
	// are skipped but the verdict is still recorded.
	assert.Empty(t, f.searcher.requests)
	require.Len(t, trace, 3)
	assert.Equal(t, "action: store as personal/identity/name at importance 10.0", trace[2])
	assert.True(t, res.Stored)
	assert.InDelta(t, 10.0, res.Importance, 1e-9)
}

func TestRetuneAppliesLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.orch.Retune(2, 9.5, 3)
	assert.Equal(t, 2, f.orch.maxReasoningSteps())
	assert.InDelta(t, 9.5, f.orch.importanceThreshold(), 1e-9)
	assert.Equal(t, 3, f.orch.defaultLimit())

	// 7.0 base +1.5 new user = 8.5, which passed at the boot threshold of 6
	// and fails at the retuned 9.5.
	und := f.orch.Understand("u1", "오늘 날씨 어때?")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "오늘 날씨 어때?"}, und)
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.Equal(t, "below importance threshold", res.Reason)
	assert.Equal(t, "thought: importance 8.5 below threshold 9.5, not storing", trace[len(trace)-1])
	assert.Empty(t, f.vectors.rows)
}

func TestRetuneIgnoresOutOfRange(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.Retune(0, 0, 0)
	assert.Equal(t, 8, f.orch.maxReasoningSteps())
	assert.InDelta(t, 6.0, f.orch.importanceThreshold(), 1e-9)
	assert.Equal(t, 10, f.orch.defaultLimit())

	// Steps clamp at 20; a threshold past the importance scale is dropped.
	f.orch.Retune(99, 11, -1)
	assert.Equal(t, 20, f.orch.maxReasoningSteps())
	assert.InDelta(t, 6.0, f.orch.importanceThreshold(), 1e-9)
	assert.Equal(t, 10, f.orch.defaultLimit())
}

func TestStoreForModeHybridIntelligenceOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *Deps, cfg *Config) { cfg.EnableIntelligence = false })

	und := f.orch.Understand("u1", "제 이름은 김철수입니다")
	res, trace, err := f.orch.storeForMode(ctx, StoreRequest{UserID: "u1", Content: "제 이름은 김철수입니다"}, und)
	require.NoError(t, err)

	// Hybrid without intelligence degrades to the basic path: no trace,
	// no boosts.
	assert.Nil(t, trace)
	assert.True(t, res.Stored)
	assert.InDelta(t, 9.0, res.Importance, 1e-9)
}

func TestReactStoreYoungProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	for i := 0; i < 6; i++ {
		f.tracker.Observe("u1", "일상적인 메시지입니다", "Korean", types.IntentConversation)
	}
	f.searcher.hits = []types.SearchHit{{ID: "a"}, {ID: "b"}}

	und := f.orch.Understand("u1", "오늘 날씨 어때?")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "오늘 날씨 어때?"}, und)
	require.NoError(t, err)

	// 7.0 base +0.5 young profile; two probe hits add nothing.
	assert.Contains(t, trace, "thought: young profile, still building the picture (+0.5)")
	assert.Contains(t, trace, "thought: 2 similar memories already stored")
	assert.True(t, res.Stored)
	assert.InDelta(t, 7.5, res.Importance, 1e-9)
}

func TestReactStoreLearningBurst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.searcher.hits = []types.SearchHit{{ID: "a"}, {ID: "b"}}
	for i := 0; i < 6; i++ {
		require.NoError(t, f.local.AppendEvent(ctx, types.MemoryEvent{
			Type:      types.EventMemoryCreated,
			UserID:    "u1",
			MemoryID:  "seed",
			Timestamp: time.Now().UTC(),
		}))
	}

	und := f.orch.Understand("u1", "오늘 날씨 어때?")
	res, trace, err := f.orch.reactStore(ctx, StoreRequest{UserID: "u1", Content: "오늘 날씨 어때?"}, und)
	require.NoError(t, err)

	// 7.0 base +1.5 new user +0.3 burst.
	assert.Contains(t, trace, "thought: active learning burst, 6 memories in the last hour (+0.3)")
	assert.True(t, res.Stored)
	assert.InDelta(t, 8.8, res.Importance, 1e-9)
}
