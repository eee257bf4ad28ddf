package indexopt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/retrieval"
)

// =============================================================================
// SEARCH BENCHMARKING
// =============================================================================

// Searcher runs one similarity search. The retrieval engine satisfies this.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// ModeResult aggregates one optimization target's benchmark pass.
type ModeResult struct {
	AvgDurationMs float64 `json:"avg_duration_ms"`
	Probes        int     `json:"probes"`
	Searches      int     `json:"searches"`
	Errors        int     `json:"errors,omitempty"`
}

// BenchmarkReport compares search latency across optimization targets using
// the table's own content as queries.
type BenchmarkReport struct {
	Table     string                `json:"table"`
	Samples   int                   `json:"samples"`
	Modes     map[string]ModeResult `json:"modes"`
	Timestamp time.Time             `json:"timestamp"`
}

const sampleQuery = `SELECT content, metadata->>'user_id' AS user_id
  FROM %s
 WHERE content IS NOT NULL AND length(content) > 0
 ORDER BY random()
 LIMIT %d`

// Benchmark draws samples rows from table and replays each as a query under
// every optimization target, reporting average engine-measured latency per
// target. Individual search failures count against the mode; an unsampleable
// table is a skip, not a failure.
func (o *Optimizer) Benchmark(ctx context.Context, s Searcher, table string, samples int) (*BenchmarkReport, error) {
	const op = "indexopt.Benchmark"

	if table == "" {
		table = o.table
	}
	if !identPattern.MatchString(table) {
		return nil, memerr.New(memerr.KindValidation, op, "invalid table name %q", table)
	}
	if samples <= 0 {
		samples = o.samples
	}
	if samples > 20 {
		samples = 20
	}

	rows, err := o.db.Query(ctx, fmt.Sprintf(sampleQuery, table, samples))
	if err != nil {
		return nil, err
	}

	type sample struct{ query, userID string }
	var pool []sample
	for _, r := range rows {
		q, u := stringAt(r, 0), stringAt(r, 1)
		if q == "" || u == "" {
			continue
		}
		pool = append(pool, sample{query: q, userID: u})
	}
	if len(pool) == 0 {
		return nil, memerr.New(memerr.KindOptimizationSkipped, op,
			"no sample rows available in %s", table)
	}

	report := &BenchmarkReport{
		Table:     table,
		Samples:   len(pool),
		Modes:     make(map[string]ModeResult, 3),
		Timestamp: time.Now().UTC(),
	}

	for _, mode := range []string{retrieval.OptimizeSpeed, retrieval.OptimizeBalanced, retrieval.OptimizeAccuracy} {
		var mr ModeResult
		var total float64
		for _, smp := range pool {
			res, err := s.Search(ctx, retrieval.Request{
				Table:       table,
				Query:       smp.query,
				UserID:      smp.userID,
				Limit:       10,
				OptimizeFor: mode,
			})
			if err != nil {
				mr.Errors++
				o.log.Debug("benchmark search failed",
					zap.String("mode", mode), zap.Error(err))
				continue
			}
			mr.Searches++
			total += res.Performance.DurationMs
			mr.Probes = res.Performance.Probes
		}
		if mr.Searches > 0 {
			mr.AvgDurationMs = total / float64(mr.Searches)
		}
		report.Modes[mode] = mr
	}
	return report, nil
}

// =============================================================================
// INDEX PERFORMANCE INTROSPECTION
// =============================================================================

// IndexUsage is one row of the planner's index usage accounting.
type IndexUsage struct {
	Schema        string `json:"schemaname"`
	Table         string `json:"tablename"`
	Index         string `json:"indexname"`
	Scans         int64  `json:"idx_scan"`
	TuplesRead    int64  `json:"idx_tup_read"`
	TuplesFetched int64  `json:"idx_tup_fetch"`
	Size          string `json:"index_size"`
}

// QueryStat is one aggregated statement timing row.
type QueryStat struct {
	MeanExecTimeMs   float64 `json:"mean_exec_time"`
	StddevExecTimeMs float64 `json:"stddev_exec_time"`
	Calls            int64   `json:"calls"`
	TotalExecTimeMs  float64 `json:"total_exec_time"`
}

// PerformanceStats reports how the vector indexes are actually being used.
type PerformanceStats struct {
	IndexUsage       []IndexUsage `json:"index_usage"`
	QueryPerformance []QueryStat  `json:"query_performance"`
	Timestamp        time.Time    `json:"timestamp"`
}

const (
	indexUsageQuery = `SELECT schemaname,
       tablename,
       indexname,
       idx_scan,
       idx_tup_read,
       idx_tup_fetch,
       pg_size_pretty(pg_relation_size(indexrelid)) AS index_size
  FROM pg_stat_user_indexes
 WHERE tablename = $1
   AND indexname LIKE '%embedding%'`

	queryStatsQuery = `SELECT mean_exec_time,
       stddev_exec_time,
       calls,
       total_exec_time
  FROM pg_stat_statements
 WHERE query LIKE '%' || $1 || '%'
   AND query LIKE '%embedding%'
 ORDER BY mean_exec_time DESC
 LIMIT 10`
)

// IndexPerformance collects index usage counters and, where the statements
// extension is installed, per-query timing for vector searches against table.
func (o *Optimizer) IndexPerformance(ctx context.Context, table string) (*PerformanceStats, error) {
	const op = "indexopt.IndexPerformance"

	if table == "" {
		table = o.table
	}
	if !identPattern.MatchString(table) {
		return nil, memerr.New(memerr.KindValidation, op, "invalid table name %q", table)
	}

	stats := &PerformanceStats{Timestamp: time.Now().UTC()}

	rows, err := o.db.Query(ctx, indexUsageQuery, table)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		stats.IndexUsage = append(stats.IndexUsage, IndexUsage{
			Schema:        stringAt(r, 0),
			Table:         stringAt(r, 1),
			Index:         stringAt(r, 2),
			Scans:         int64At(r, 3),
			TuplesRead:    int64At(r, 4),
			TuplesFetched: int64At(r, 5),
			Size:          stringAt(r, 6),
		})
	}

	// pg_stat_statements is an optional extension; its absence degrades the
	// report rather than failing it.
	rows, err = o.db.Query(ctx, queryStatsQuery, table)
	if err != nil {
		o.log.Debug("statement statistics unavailable", zap.Error(err))
		return stats, nil
	}
	for _, r := range rows {
		stats.QueryPerformance = append(stats.QueryPerformance, QueryStat{
			MeanExecTimeMs:   floatAt(r, 0),
			StddevExecTimeMs: floatAt(r, 1),
			Calls:            int64At(r, 2),
			TotalExecTimeMs:  floatAt(r, 3),
		})
	}
	return stats, nil
}
