package indexopt

import "fmt"

// =============================================================================
// STRATEGY SELECTION
// =============================================================================

// Index strategy types, in promotion order.
const (
	StrategyNone               = "none"
	StrategyIVFFlatBasic       = "ivfflat_basic"
	StrategyIVFFlatOptimized   = "ivfflat_optimized"
	StrategyPartitionedIVFFlat = "partitioned_ivfflat"
	StrategyHNSW               = "hnsw"
)

// Strategy describes one ANN index configuration. Only the fields relevant to
// Type are set; the rest marshal away.
type Strategy struct {
	Type string `json:"type"`

	Lists             int `json:"lists,omitempty"`
	Probes            int `json:"probes,omitempty"`
	ListsPerPartition int `json:"lists_per_partition,omitempty"`

	M              int `json:"m,omitempty"`
	EFConstruction int `json:"ef_construction,omitempty"`
	EFSearch       int `json:"ef_search,omitempty"`

	UserOptimized bool   `json:"user_optimized,omitempty"`
	PartitionBy   string `json:"partition_by,omitempty"`

	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// SelectStrategy maps table statistics to an index strategy. The decision is
// deterministic: identical statistics always select identical strategies.
func SelectStrategy(stats *TableStats) Strategy {
	rows := stats.RowCount
	users := stats.UniqueUsers
	ratio := stats.PowerUserRatio()

	switch {
	case rows < 1_000:
		return Strategy{
			Type:    StrategyNone,
			Reason:  "Dataset too small for indexing",
			Details: "Sequential scan is faster for small datasets",
		}

	case rows < 10_000:
		lists := max(int(rows/100), 10)
		return Strategy{
			Type:    StrategyIVFFlatBasic,
			Lists:   lists,
			Probes:  5,
			Reason:  "Small-medium dataset with basic search needs",
			Details: fmt.Sprintf("Using %d lists with 5 probes for balanced performance", lists),
		}

	case rows < 100_000:
		// Heavy users issue deeper queries; trade speed for recall when they
		// dominate the population.
		lists, probes := max(int(rows/1_000), 30), 10
		if ratio > 0.2 {
			lists, probes = max(int(rows/500), 50), 20
		}
		return Strategy{
			Type:          StrategyIVFFlatOptimized,
			Lists:         lists,
			Probes:        probes,
			UserOptimized: ratio > 0.2,
			Reason:        fmt.Sprintf("Medium dataset with %.1f%% power users", ratio*100),
			Details:       fmt.Sprintf("Using %d lists with %d probes", lists, probes),
		}

	case users < 1_000:
		return Strategy{
			Type:              StrategyPartitionedIVFFlat,
			PartitionBy:       "user_id",
			ListsPerPartition: 100,
			Probes:            15,
			Reason:            fmt.Sprintf("Large dataset with only %d users", users),
			Details:           "Partitioning by user for better locality",
		}

	default:
		m, efc := 16, 200
		if rows >= 500_000 {
			m, efc = 32, 400
		}
		return Strategy{
			Type:           StrategyHNSW,
			M:              m,
			EFConstruction: efc,
			EFSearch:       100,
			Reason:         fmt.Sprintf("Large dataset with %d users", users),
			Details:        fmt.Sprintf("HNSW with m=%d for high accuracy", m),
		}
	}
}
