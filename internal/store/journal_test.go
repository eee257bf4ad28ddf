package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemos/internal/memerr"
	"mnemos/internal/types"
)

func testEvent(userID, sessionID, memoryID string) types.MemoryEvent {
	return types.MemoryEvent{
		Type:      types.EventMemoryCreated,
		UserID:    userID,
		SessionID: sessionID,
		MemoryID:  memoryID,
		Content:   "remembered something",
	}
}

func TestAppendEventStampsTimestamp(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, s.AppendEvent(ctx, testEvent("u1", "s1", "m1")))

	events, err := s.RecentEvents(ctx, "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.After(before), "zero timestamp should be stamped at append")
}

func TestAppendEventRequiresType(t *testing.T) {
	s := newStore(t, nil)

	err := s.AppendEvent(context.Background(), types.MemoryEvent{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, memerr.IsKind(err, memerr.KindValidation))
}

func TestRecentEventsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, nil)

	require.NoError(t, s.AppendEvent(ctx, testEvent("u1", "s1", "m1")))
	require.NoError(t, s.AppendEvent(ctx, testEvent("u2", "s2", "m2")))
	retrieved := types.MemoryEvent{
		Type:     types.EventMemoryRetrieved,
		UserID:   "u1",
		Metadata: map[string]any{"query": "coffee", "result_count": float64(3)},
	}
	require.NoError(t, s.AppendEvent(ctx, retrieved))

	// Newest first, scoped to the user.
	events, err := s.RecentEvents(ctx, "u1", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventMemoryRetrieved, events[0].Type)
	assert.Equal(t, types.EventMemoryCreated, events[1].Type)
	assert.Equal(t, "coffee", events[0].Metadata["query"])
	assert.Equal(t, float64(3), events[0].Metadata["result_count"])

	// Event type filter crosses users.
	events, err = s.RecentEvents(ctx, "", string(types.EventMemoryCreated), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "u2", events[0].UserID)
	assert.Equal(t, "u1", events[1].UserID)

	// Both filters together.
	events, err = s.RecentEvents(ctx, "u1", string(types.EventMemoryRetrieved), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Limit applies after ordering.
	events, err = s.RecentEvents(ctx, "", "", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, types.EventMemoryRetrieved, events[0].Type)
}

func TestPruneEventsKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, &Config{Path: ":memory:", EventRetention: 5})

	for i := 0; i < 8; i++ {
		ev := testEvent("u1", "", "m1")
		ev.Content = string(rune('a' + i))
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	removed, err := s.PruneEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	events, err := s.RecentEvents(ctx, "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 5)
	assert.Equal(t, "h", events[0].Content)
	assert.Equal(t, "d", events[4].Content)

	// Under retention nothing is removed.
	removed, err = s.PruneEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}
