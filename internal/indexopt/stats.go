package indexopt

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
)

// =============================================================================
// TABLE STATISTICS
// =============================================================================

// User-volume buckets, by memories per user.
const (
	UserLight  = "light"  // < 10
	UserMedium = "medium" // < 100
	UserHeavy  = "heavy"  // < 1000
	UserPower  = "power"  // >= 1000
)

// TableStats is the data shape the strategy selection runs on. Scoping fields
// live in each row's metadata, not in dedicated columns, so every aggregate
// reads the metadata keys the write path actually populates.
type TableStats struct {
	RowCount       int64   `json:"row_count"`
	UniqueUsers    int64   `json:"unique_users"`
	UniqueTypes    int64   `json:"unique_types"`
	AvgContentSize float64 `json:"avg_content_size"`

	Importance       ImportanceStats     `json:"importance_stats"`
	TypeDistribution map[string]TypeStat `json:"type_distribution"`
	UserDistribution map[string]int64    `json:"user_distribution"`
	CurrentIndexes   []IndexInfo         `json:"current_indexes"`
}

type ImportanceStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

type TypeStat struct {
	Count         int64   `json:"count"`
	AvgImportance float64 `json:"avg_importance"`
}

type IndexInfo struct {
	Name       string `json:"indexname"`
	Definition string `json:"indexdef"`
	Size       string `json:"size"`
}

// PowerUserRatio is the share of users in the heavy and power buckets. When
// the bucket query produced nothing, every user counts as light.
func (s *TableStats) PowerUserRatio() float64 {
	var total int64
	for _, n := range s.UserDistribution {
		total += n
	}
	if total == 0 {
		total = s.UniqueUsers
	}
	if total == 0 {
		return 0
	}
	return float64(s.UserDistribution[UserPower]+s.UserDistribution[UserHeavy]) / float64(total)
}

const (
	totalsQuery = `SELECT COUNT(*) AS total_rows,
       COUNT(DISTINCT metadata->>'user_id') AS unique_users,
       COUNT(DISTINCT metadata->>'memory_type') AS unique_types,
       AVG(octet_length(content)) AS avg_content_size,
       MAX((metadata->>'importance')::float) AS max_importance,
       MIN((metadata->>'importance')::float) AS min_importance,
       AVG((metadata->>'importance')::float) AS avg_importance
  FROM %s`

	typeDistQuery = `SELECT metadata->>'memory_type' AS memory_type,
       COUNT(*) AS count,
       AVG((metadata->>'importance')::float) AS avg_importance
  FROM %s
 GROUP BY memory_type
 ORDER BY count DESC`

	userDistQuery = `SELECT COUNT(*) AS user_count,
       CASE WHEN memory_count < 10 THEN 'light'
            WHEN memory_count < 100 THEN 'medium'
            WHEN memory_count < 1000 THEN 'heavy'
            ELSE 'power'
       END AS user_type
  FROM (SELECT metadata->>'user_id' AS user_id, COUNT(*) AS memory_count
          FROM %s
         GROUP BY user_id) user_stats
 GROUP BY user_type`

	indexesQuery = `SELECT indexname,
       indexdef,
       pg_size_pretty(pg_relation_size(indexname::regclass)) AS size
  FROM pg_indexes
 WHERE tablename = $1
   AND indexdef LIKE '%embedding%'`
)

// Stats returns table statistics, served from a short-lived cache so probe
// selection on the search path does not re-aggregate on every query.
func (o *Optimizer) Stats(ctx context.Context, table string) (*TableStats, error) {
	const op = "indexopt.Stats"

	if !identPattern.MatchString(table) {
		return nil, memerr.New(memerr.KindValidation, op, "invalid table name %q", table)
	}
	if s := o.cache.get(table); s != nil {
		return s, nil
	}

	s, err := o.loadStats(ctx, table)
	if err != nil {
		return nil, err
	}
	o.cache.put(table, s)
	return s, nil
}

// RowCount reports the cached table size for search-parameter selection.
func (o *Optimizer) RowCount(ctx context.Context, table string) (int64, error) {
	s, err := o.Stats(ctx, table)
	if err != nil {
		return 0, err
	}
	return s.RowCount, nil
}

func (o *Optimizer) loadStats(ctx context.Context, table string) (*TableStats, error) {
	const op = "indexopt.Stats"

	rows, err := o.db.Query(ctx, fmt.Sprintf(totalsQuery, table))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "statistics query returned no rows")
	}
	s := &TableStats{
		RowCount:       int64At(rows[0], 0),
		UniqueUsers:    int64At(rows[0], 1),
		UniqueTypes:    int64At(rows[0], 2),
		AvgContentSize: floatAt(rows[0], 3),
		Importance: ImportanceStats{
			Max: floatAt(rows[0], 4),
			Min: floatAt(rows[0], 5),
			Avg: floatAt(rows[0], 6),
		},
		TypeDistribution: make(map[string]TypeStat),
		UserDistribution: make(map[string]int64),
	}

	// Distribution and index detail are soft inputs: a failure degrades the
	// strategy decision instead of blocking it.
	if rows, err := o.db.Query(ctx, fmt.Sprintf(typeDistQuery, table)); err != nil {
		o.log.Warn("type distribution unavailable", zap.String("table", table), zap.Error(err))
	} else {
		for _, r := range rows {
			s.TypeDistribution[stringAt(r, 0)] = TypeStat{
				Count:         int64At(r, 1),
				AvgImportance: floatAt(r, 2),
			}
		}
	}

	if rows, err := o.db.Query(ctx, fmt.Sprintf(userDistQuery, table)); err != nil {
		o.log.Warn("user distribution unavailable", zap.String("table", table), zap.Error(err))
	} else {
		for _, r := range rows {
			s.UserDistribution[stringAt(r, 1)] = int64At(r, 0)
		}
	}

	if rows, err := o.db.Query(ctx, indexesQuery, table); err != nil {
		o.log.Warn("index listing unavailable", zap.String("table", table), zap.Error(err))
	} else {
		for _, r := range rows {
			s.CurrentIndexes = append(s.CurrentIndexes, IndexInfo{
				Name:       stringAt(r, 0),
				Definition: stringAt(r, 1),
				Size:       stringAt(r, 2),
			})
		}
	}

	return s, nil
}

// =============================================================================
// STATS CACHE
// =============================================================================

type statsCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]statsEntry
}

type statsEntry struct {
	stats *TableStats
	at    time.Time
}

func newStatsCache(ttl time.Duration) *statsCache {
	return &statsCache{ttl: ttl, entries: make(map[string]statsEntry)}
}

func (c *statsCache) get(table string) *TableStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[table]
	if !ok || time.Since(e.at) > c.ttl {
		return nil
	}
	return e.stats
}

func (c *statsCache) put(table string, s *TableStats) {
	c.mu.Lock()
	c.entries[table] = statsEntry{stats: s, at: time.Now()}
	c.mu.Unlock()
}

func (c *statsCache) invalidate(table string) {
	c.mu.Lock()
	delete(c.entries, table)
	c.mu.Unlock()
}

// =============================================================================
// ROW DECODING
// =============================================================================

// Raw query rows arrive positional with JSON numbers as float64; aggregates
// over empty tables arrive as nulls.

func int64At(row []any, i int) int64 {
	if i >= len(row) {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func floatAt(row []any, i int) float64 {
	if i >= len(row) {
		return 0
	}
	switch v := row[i].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func stringAt(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}
