// Package indexopt keeps the vector store's ANN index matched to the data's
// scale and shape. It aggregates table statistics, selects an IVFFlat or HNSW
// strategy from row count and user distribution, and applies the index DDL
// through the raw query channel. Statistics are cached briefly and shared with
// the retrieval engine's probe selection.
package indexopt

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/clients"
	"mnemos/internal/memerr"
)

// =============================================================================
// OPTIMIZER
// =============================================================================

// Config holds optimizer tuning knobs.
type Config struct {
	Table       string        // table the scheduled loop maintains
	MinRows     int64         // below this, unforced runs are skipped
	MinInterval time.Duration // per-table gap between unforced runs
	RetryDelay  time.Duration // backoff after a failed scheduled run
	StatsTTL    time.Duration // statistics cache lifetime
	Samples     int           // default benchmark sample count
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Table:       "memories",
		MinRows:     100,
		MinInterval: 24 * time.Hour,
		RetryDelay:  time.Hour,
		StatsTTL:    5 * time.Minute,
		Samples:     5,
	}
}

// Optimizer owns index maintenance for memory tables. Safe for concurrent
// use; runs for the same table never overlap.
type Optimizer struct {
	db    *clients.DB
	log   *zap.Logger
	cache *statsCache

	table       string
	minRows     int64
	minInterval time.Duration
	retryDelay  time.Duration
	samples     int

	mu      sync.Mutex
	last    map[string]time.Time // table -> completion of last successful run
	running map[string]bool      // tables with a run in flight
}

// NewOptimizer builds an Optimizer. A nil cfg uses defaults.
func NewOptimizer(db *clients.DB, cfg *Config, log *zap.Logger) *Optimizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Optimizer{
		db:          db,
		log:         log.Named("indexopt"),
		cache:       newStatsCache(cfg.StatsTTL),
		table:       cfg.Table,
		minRows:     cfg.MinRows,
		minInterval: cfg.MinInterval,
		retryDelay:  cfg.RetryDelay,
		samples:     cfg.Samples,
	}
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Report is the outcome of one optimization attempt. Skips are successful
// no-ops, not errors.
type Report struct {
	Optimized bool      `json:"optimized"`
	Strategy  *Strategy `json:"strategy,omitempty"`
	Action    string    `json:"action,omitempty"`
	Details   string    `json:"details,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// =============================================================================
// OPTIMIZATION
// =============================================================================

// Optimize analyzes table and rebuilds its vector index when warranted.
// Unforced runs respect the per-table interval and the row floor; force
// bypasses both. Concurrent runs for the same table collapse into one.
func (o *Optimizer) Optimize(ctx context.Context, table string, force bool) (*Report, error) {
	const op = "indexopt.Optimize"

	if table == "" {
		table = o.table
	}
	if !identPattern.MatchString(table) {
		return nil, memerr.New(memerr.KindValidation, op, "invalid table name %q", table)
	}

	if !o.begin(table) {
		return skipReport("optimization already in progress"), nil
	}
	defer o.end(table)

	if !force {
		if reason := o.skipReason(ctx, table); reason != "" {
			o.log.Debug("optimization skipped",
				zap.String("table", table), zap.String("reason", reason))
			return skipReport(reason), nil
		}
	}

	stats, err := o.Stats(ctx, table)
	if err != nil {
		return nil, err
	}
	strategy := SelectStrategy(stats)

	o.log.Info("applying index strategy",
		zap.String("table", table),
		zap.String("strategy", strategy.Type),
		zap.Int64("rows", stats.RowCount),
		zap.Int64("users", stats.UniqueUsers))

	rep, err := o.apply(ctx, table, strategy, stats)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.last[table] = time.Now()
	o.mu.Unlock()
	o.cache.invalidate(table)
	return rep, nil
}

// Recommend returns current statistics plus the strategy they would select,
// without touching any index.
func (o *Optimizer) Recommend(ctx context.Context, table string) (*TableStats, Strategy, error) {
	if table == "" {
		table = o.table
	}
	stats, err := o.Stats(ctx, table)
	if err != nil {
		return nil, Strategy{}, err
	}
	return stats, SelectStrategy(stats), nil
}

// BuildVectorIndex gives freshly provisioned tables their first index pass.
func (o *Optimizer) BuildVectorIndex(ctx context.Context, table string) error {
	_, err := o.Optimize(ctx, table, true)
	return err
}

func skipReport(reason string) *Report {
	return &Report{Optimized: false, Reason: reason, Timestamp: time.Now().UTC()}
}

func (o *Optimizer) begin(table string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		o.running = make(map[string]bool)
	}
	if o.last == nil {
		o.last = make(map[string]time.Time)
	}
	if o.running[table] {
		return false
	}
	o.running[table] = true
	return true
}

func (o *Optimizer) end(table string) {
	o.mu.Lock()
	delete(o.running, table)
	o.mu.Unlock()
}

// skipReason decides whether an unforced run should proceed. Unreachable
// statistics skip quietly; scheduled runs must not fail loudly on a cold
// store.
func (o *Optimizer) skipReason(ctx context.Context, table string) string {
	o.mu.Lock()
	last, ok := o.last[table]
	o.mu.Unlock()
	if ok {
		if since := time.Since(last); since < o.minInterval {
			return fmt.Sprintf("optimized %s ago, minimum interval %s",
				since.Round(time.Minute), o.minInterval)
		}
	}

	stats, err := o.Stats(ctx, table)
	if err != nil {
		return "table statistics unavailable"
	}
	if stats.RowCount < o.minRows {
		return fmt.Sprintf("row count %d below optimization floor %d", stats.RowCount, o.minRows)
	}
	return ""
}

// =============================================================================
// STRATEGY APPLICATION
// =============================================================================

// apply executes the DDL for strategy. The managed index is always dropped
// and rebuilt; composite helper indexes are additive. Every build ends with
// an ANALYZE so the planner sees the new shape.
func (o *Optimizer) apply(ctx context.Context, table string, s Strategy, stats *TableStats) (*Report, error) {
	index := fmt.Sprintf("idx_%s_embedding_optimized", table)

	if s.Type != StrategyNone || len(stats.CurrentIndexes) > 0 {
		if _, err := o.db.Query(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", index)); err != nil {
			return nil, err
		}
	}

	switch s.Type {
	case StrategyNone:
		return &Report{
			Optimized: true,
			Strategy:  &s,
			Action:    "Removed index for small dataset",
			Timestamp: time.Now().UTC(),
		}, nil

	case StrategyIVFFlatBasic, StrategyIVFFlatOptimized:
		ddl := fmt.Sprintf(
			"CREATE INDEX %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
			index, table, s.Lists)
		if _, err := o.db.Query(ctx, ddl); err != nil {
			return nil, err
		}
		if _, err := o.db.Query(ctx, fmt.Sprintf("SET ivfflat.probes = %d", s.Probes)); err != nil {
			return nil, err
		}
		if s.UserOptimized {
			ddl := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS idx_%s_user_importance ON %s ((metadata->>'user_id'), ((metadata->>'importance')::real) DESC)",
				table, table)
			if _, err := o.db.Query(ctx, ddl); err != nil {
				return nil, err
			}
		}

	case StrategyPartitionedIVFFlat:
		ddl := fmt.Sprintf(
			"CREATE INDEX %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
			index, table, s.ListsPerPartition*10)
		if _, err := o.db.Query(ctx, ddl); err != nil {
			return nil, err
		}
		// The vector column has no btree opclass; a plain index on the user
		// key gives the planner the per-user locality the partitioning aims
		// for.
		ddl = fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_user_embedding ON %s ((metadata->>'user_id'))",
			table, table)
		if _, err := o.db.Query(ctx, ddl); err != nil {
			return nil, err
		}
		if _, err := o.db.Query(ctx, fmt.Sprintf("SET ivfflat.probes = %d", s.Probes)); err != nil {
			return nil, err
		}

	case StrategyHNSW:
		ddl := fmt.Sprintf(
			"CREATE INDEX %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)",
			index, table, s.M, s.EFConstruction)
		if _, err := o.db.Query(ctx, ddl); err != nil {
			// Older pgvector has no hnsw access method; rebuild as a wide
			// IVFFlat instead.
			o.log.Warn("hnsw unavailable, falling back to ivfflat",
				zap.String("table", table), zap.Error(err))
			fb := s
			fb.Type = StrategyIVFFlatOptimized
			fb.Lists = 1000
			fb.Probes = 50
			fb.M, fb.EFConstruction, fb.EFSearch = 0, 0, 0
			fb.Details = "HNSW unavailable; IVFFlat fallback"
			return o.apply(ctx, table, fb, stats)
		}
		if _, err := o.db.Query(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.EFSearch)); err != nil {
			return nil, err
		}

	default:
		return nil, memerr.New(memerr.KindInternal, "indexopt.apply", "unknown strategy %q", s.Type)
	}

	if _, err := o.db.Query(ctx, fmt.Sprintf("ANALYZE %s", table)); err != nil {
		return nil, err
	}

	return &Report{
		Optimized: true,
		Strategy:  &s,
		Action:    fmt.Sprintf("Created %s index", s.Type),
		Details:   s.Details,
		Timestamp: time.Now().UTC(),
	}, nil
}

// =============================================================================
// SCHEDULED MAINTENANCE
// =============================================================================

// Run re-optimizes the configured table on the optimizer's interval until ctx
// is cancelled. Failed runs retry sooner.
func (o *Optimizer) Run(ctx context.Context) {
	o.log.Info("index maintenance loop started",
		zap.String("table", o.table), zap.Duration("interval", o.minInterval))

	for {
		delay := o.minInterval
		rep, err := o.Optimize(ctx, o.table, false)
		switch {
		case err != nil:
			o.log.Error("scheduled optimization failed", zap.Error(err))
			delay = o.retryDelay
		case rep.Optimized:
			o.log.Info("scheduled optimization applied",
				zap.String("strategy", rep.Strategy.Type), zap.String("action", rep.Action))
		default:
			o.log.Debug("scheduled optimization skipped", zap.String("reason", rep.Reason))
		}

		select {
		case <-ctx.Done():
			o.log.Info("index maintenance loop stopped")
			return
		case <-time.After(delay):
		}
	}
}
