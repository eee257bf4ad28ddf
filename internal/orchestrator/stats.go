package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"

	"mnemos/internal/memerr"
	"mnemos/internal/stream"
)

// ImportanceRange is the observed importance span for a user's memories.
type ImportanceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// MemoryStats aggregates a user's memories straight from the vector store.
// HierarchyDistribution regroups the flat type counts by taxonomy level.
type MemoryStats struct {
	TotalMemories         int                       `json:"total_memories"`
	TypeDistribution      map[string]int            `json:"type_distribution"`
	HierarchyDistribution map[string]map[string]int `json:"hierarchy_distribution"`
	SessionDistribution   map[string]int            `json:"session_distribution"`
	AverageImportance     float64                   `json:"average_importance"`
	ImportanceRange       ImportanceRange           `json:"importance_range"`
	UserID                string                    `json:"user_id"`
	SessionID             string                    `json:"session_id,omitempty"`
	StreamingStats        *stream.Stats             `json:"streaming_stats,omitempty"`
}

// MemoryStatistics aggregates counts, averages, and distributions for one
// user, optionally narrowed to a session.
func (o *Orchestrator) MemoryStatistics(ctx context.Context, userID, sessionID string) (*MemoryStats, error) {
	const op = "orchestrator.MemoryStatistics"

	if strings.TrimSpace(userID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if o.vectors == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "no vector store wired")
	}

	where := "WHERE user_id = $1"
	params := []any{userID}
	if sessionID != "" {
		where += " AND session_id = $2"
		params = append(params, sessionID)
	}

	stats := &MemoryStats{
		TypeDistribution:    make(map[string]int),
		SessionDistribution: make(map[string]int),
		UserID:              userID,
		SessionID:           sessionID,
	}

	rows, err := o.vectors.Query(ctx, fmt.Sprintf(
		`SELECT COUNT(*),
		        COALESCE(AVG(importance), 0),
		        COALESCE(MIN(importance), 0),
		        COALESCE(MAX(importance), 0)
		   FROM %s %s`, o.cfg.Table, where), params...)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && len(rows[0]) >= 4 {
		stats.TotalMemories = asInt(rows[0][0])
		stats.AverageImportance = math.Round(asFloat(rows[0][1])*100) / 100
		stats.ImportanceRange = ImportanceRange{Min: asFloat(rows[0][2]), Max: asFloat(rows[0][3])}
	}

	rows, err = o.vectors.Query(ctx, fmt.Sprintf(
		`SELECT memory_type, COUNT(*) FROM %s %s GROUP BY memory_type`,
		o.cfg.Table, where), params...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) >= 2 {
			stats.TypeDistribution[asString(row[0])] = asInt(row[1])
		}
	}
	stats.HierarchyDistribution = hierarchyDistribution(stats.TypeDistribution)

	rows, err = o.vectors.Query(ctx, fmt.Sprintf(
		`SELECT session_id, COUNT(*) FROM %s %s GROUP BY session_id`,
		o.cfg.Table, where), params...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row) >= 2 {
			session := asString(row[0])
			if session == "" {
				session = "none"
			}
			stats.SessionDistribution[session] = asInt(row[1])
		}
	}

	if o.events != nil {
		s := o.events.Stats()
		stats.StreamingStats = &s
	}
	return stats, nil
}

// hierarchyDistribution folds flat type counts into major/minor buckets.
// Single-level types land under the "general" minor.
func hierarchyDistribution(typeCounts map[string]int) map[string]map[string]int {
	out := make(map[string]map[string]int)
	for path, n := range typeCounts {
		parts := strings.SplitN(path, "/", 3)
		major := parts[0]
		minor := "general"
		if len(parts) > 1 {
			minor = parts[1]
		}
		if out[major] == nil {
			out[major] = make(map[string]int)
		}
		out[major][minor] += n
	}
	return out
}

// =============================================================================
// HEALTH
// =============================================================================

// HealthReport grades a user's memory base and names what to improve.
type HealthReport struct {
	HealthScore       int      `json:"health_score"`
	MemoryMaturity    string   `json:"memory_maturity"`
	TotalMemories     int      `json:"total_memories"`
	AverageImportance float64  `json:"average_importance"`
	TypeDiversity     int      `json:"type_diversity"`
	Recommendations   []string `json:"recommendations"`
}

// MemoryHealth scores volume, quality, and diversity on a 100-point scale.
func (o *Orchestrator) MemoryHealth(ctx context.Context, userID string) (*HealthReport, error) {
	stats, err := o.MemoryStatistics(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		TotalMemories:     stats.TotalMemories,
		AverageImportance: stats.AverageImportance,
		TypeDiversity:     len(stats.TypeDistribution),
	}

	score := 0
	switch {
	case stats.TotalMemories >= 30:
		score += 30
	case stats.TotalMemories >= 10:
		score += 20
	default:
		score += 10
	}
	switch {
	case stats.AverageImportance >= 7:
		score += 30
	case stats.AverageImportance >= 5:
		score += 20
	default:
		score += 10
	}
	switch {
	case report.TypeDiversity >= 4:
		score += 40
	case report.TypeDiversity >= 2:
		score += 25
	default:
		score += 10
	}
	report.HealthScore = min(score, 100)

	switch {
	case stats.TotalMemories >= 30:
		report.MemoryMaturity = "high"
	case stats.TotalMemories >= 10:
		report.MemoryMaturity = "medium"
	default:
		report.MemoryMaturity = "low"
	}

	switch {
	case stats.TotalMemories < 10:
		report.Recommendations = append(report.Recommendations, "Continue building memory base")
	case stats.TotalMemories < 30:
		report.Recommendations = append(report.Recommendations, "Need more conversations to build comprehensive memory")
	}
	switch {
	case stats.AverageImportance < 5:
		report.Recommendations = append(report.Recommendations, "Focus on storing higher quality information")
	case stats.AverageImportance < 7:
		report.Recommendations = append(report.Recommendations, "Improve memory importance by storing more significant information")
	}
	switch {
	case report.TypeDiversity < 2:
		report.Recommendations = append(report.Recommendations, "Expand memory type diversity")
	case report.TypeDiversity < 4:
		report.Recommendations = append(report.Recommendations, "Store more diverse types of information")
	}

	return report, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
