package indexopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		name  string
		stats TableStats
		want  Strategy
	}{
		{
			name:  "tiny table drops the index",
			stats: TableStats{RowCount: 500},
			want:  Strategy{Type: StrategyNone},
		},
		{
			name:  "small table gets basic ivfflat",
			stats: TableStats{RowCount: 5_000, UniqueUsers: 50},
			want:  Strategy{Type: StrategyIVFFlatBasic, Lists: 50, Probes: 5},
		},
		{
			name:  "lists floor holds near the lower bound",
			stats: TableStats{RowCount: 1_001, UniqueUsers: 10},
			want:  Strategy{Type: StrategyIVFFlatBasic, Lists: 10, Probes: 5},
		},
		{
			name: "medium table with light users trades recall for speed",
			stats: TableStats{
				RowCount:         50_000,
				UniqueUsers:      100,
				UserDistribution: map[string]int64{UserLight: 100},
			},
			want: Strategy{Type: StrategyIVFFlatOptimized, Lists: 50, Probes: 10},
		},
		{
			name: "medium table with power users trades speed for recall",
			stats: TableStats{
				RowCount:         50_000,
				UniqueUsers:      100,
				UserDistribution: map[string]int64{UserLight: 70, UserPower: 30},
			},
			want: Strategy{Type: StrategyIVFFlatOptimized, Lists: 100, Probes: 20, UserOptimized: true},
		},
		{
			name:  "large table with few users partitions by user",
			stats: TableStats{RowCount: 150_000, UniqueUsers: 500},
			want:  Strategy{Type: StrategyPartitionedIVFFlat, ListsPerPartition: 100, Probes: 15, PartitionBy: "user_id"},
		},
		{
			name:  "large table with many users promotes to hnsw",
			stats: TableStats{RowCount: 150_000, UniqueUsers: 3_000},
			want:  Strategy{Type: StrategyHNSW, M: 16, EFConstruction: 200, EFSearch: 100},
		},
		{
			name:  "very large table widens the hnsw graph",
			stats: TableStats{RowCount: 600_000, UniqueUsers: 3_000},
			want:  Strategy{Type: StrategyHNSW, M: 32, EFConstruction: 400, EFSearch: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectStrategy(&tt.stats)
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.Lists, got.Lists)
			assert.Equal(t, tt.want.Probes, got.Probes)
			assert.Equal(t, tt.want.ListsPerPartition, got.ListsPerPartition)
			assert.Equal(t, tt.want.M, got.M)
			assert.Equal(t, tt.want.EFConstruction, got.EFConstruction)
			assert.Equal(t, tt.want.EFSearch, got.EFSearch)
			assert.Equal(t, tt.want.UserOptimized, got.UserOptimized)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestSelectStrategyIsDeterministic(t *testing.T) {
	stats := &TableStats{
		RowCount:         50_000,
		UniqueUsers:      200,
		UserDistribution: map[string]int64{UserLight: 150, UserHeavy: 30, UserPower: 20},
	}
	assert.Equal(t, SelectStrategy(stats), SelectStrategy(stats))
}

func TestPowerUserRatio(t *testing.T) {
	t.Run("buckets", func(t *testing.T) {
		s := TableStats{UserDistribution: map[string]int64{
			UserLight: 60, UserMedium: 20, UserHeavy: 15, UserPower: 5,
		}}
		assert.InDelta(t, 0.2, s.PowerUserRatio(), 1e-9)
	})

	t.Run("missing buckets fall back to unique users", func(t *testing.T) {
		s := TableStats{UniqueUsers: 40}
		assert.Zero(t, s.PowerUserRatio())
	})

	t.Run("empty table", func(t *testing.T) {
		var s TableStats
		assert.Zero(t, s.PowerUserRatio())
	})
}
