// Package strategy decides where a memory physically lives. A deterministic
// policy table maps (type path, importance, content size) onto a storage
// plan: primary tier, secondary tiers, embedding and RAG participation, TTL,
// and compression. A cost estimator prices plans in relative units for
// observability, and a re-planner promotes or demotes tiers from observed
// usage.
package strategy

import (
	"math"
	"slices"

	"mnemos/internal/types"
)

const (
	// largeContentBytes splits long-form content (archived, compressed)
	// from short-form content at the policy level.
	largeContentBytes = 1000

	// temporaryTTLSeconds bounds cache-only memories to 24 hours.
	temporaryTTLSeconds = 86400
)

// Planner maps classified memories onto physical storage tiers. Stateless;
// safe for concurrent use.
type Planner struct{}

// New returns a Planner.
func New() *Planner { return &Planner{} }

// =============================================================================
// NAMED PLANS
// =============================================================================

// The policy table composes five named plans. Constructors return fresh
// values so callers may mutate Secondary without aliasing.

// highValueFrequent: durable, embedded, RAG-indexed, cached. Identity,
// strong preferences, skills.
func highValueFrequent() types.StorageStrategy {
	return types.StorageStrategy{
		Primary:           types.LocationDB,
		Secondary:         []types.Location{types.LocationRAG, types.LocationCache},
		IncludesRAG:       true,
		IncludesEmbedding: true,
		Compression:       false,
		IndexForSearch:    true,
	}
}

// highValueInfrequent: durable and embedded but cold, with an archive copy.
func highValueInfrequent(compress bool) types.StorageStrategy {
	return types.StorageStrategy{
		Primary:           types.LocationDB,
		Secondary:         []types.Location{types.LocationArchive},
		IncludesEmbedding: true,
		Compression:       compress,
		IndexForSearch:    true,
	}
}

// conversational: durable and embedded, nothing else.
func conversational() types.StorageStrategy {
	return types.StorageStrategy{
		Primary:           types.LocationDB,
		IncludesEmbedding: true,
		IndexForSearch:    true,
	}
}

// temporary: cache only, expiring, invisible to search.
func temporary() types.StorageStrategy {
	return types.StorageStrategy{
		Primary:    types.LocationCache,
		TTLSeconds: temporaryTTLSeconds,
	}
}

// largeContent: long-form bodies, compressed with an archive copy.
func largeContent() types.StorageStrategy {
	return types.StorageStrategy{
		Primary:           types.LocationDB,
		Secondary:         []types.Location{types.LocationArchive},
		IncludesEmbedding: true,
		Compression:       true,
		IndexForSearch:    true,
	}
}

// =============================================================================
// POLICY TABLE
// =============================================================================

// Plan selects the storage plan for one memory. Hierarchical paths dispatch
// on their major/minor prefix; legacy flat types keep their historical
// mapping; everything else falls to importance bands.
func (p *Planner) Plan(path types.TypePath, importance float64, sizeBytes int) types.StorageStrategy {
	if path.Minor == "" {
		return p.planFlat(path.Major, importance, sizeBytes)
	}

	switch path.Prefix() {
	case "personal/identity":
		return highValueFrequent()
	case "personal/preference":
		if importance >= 7 {
			return highValueFrequent()
		}
		return highValueInfrequent(true)
	case "knowledge/skill":
		return highValueFrequent()
	case "knowledge/experience":
		if sizeBytes > largeContentBytes {
			return largeContent()
		}
		return conversational()
	case "temporal/conversation":
		return conversational()
	case "temporal/context":
		return temporary()
	}
	return p.planDefault(importance, sizeBytes)
}

// planFlat covers pre-hierarchical memory types still accepted on the wire.
func (p *Planner) planFlat(memoryType string, importance float64, sizeBytes int) types.StorageStrategy {
	switch memoryType {
	case "conversation":
		return conversational()
	case "identity", "preference":
		return highValueFrequent()
	case "experience":
		if sizeBytes > largeContentBytes {
			return largeContent()
		}
		return conversational()
	case "context":
		return temporary()
	}
	return p.planDefault(importance, sizeBytes)
}

// planDefault bands unmatched types by importance alone.
func (p *Planner) planDefault(importance float64, sizeBytes int) types.StorageStrategy {
	switch {
	case importance >= 8:
		return highValueFrequent()
	case importance >= 6:
		return highValueInfrequent(sizeBytes > largeContentBytes)
	case importance >= 4:
		return conversational()
	default:
		return temporary()
	}
}

// =============================================================================
// COST MODEL
// =============================================================================

// locationCost holds relative monthly cost multipliers. DB is the unit;
// cache is RAM-priced, archive is cold storage.
var locationCost = map[types.Location]float64{
	types.LocationDB:      1.0,
	types.LocationRAG:     2.0,
	types.LocationCache:   3.0,
	types.LocationArchive: 0.3,
}

// EstimateCost prices a plan for a memory of the given size. The result is
// observational: relative units, not currency.
func (p *Planner) EstimateCost(s types.StorageStrategy, sizeBytes int) types.CostEstimate {
	base := locationCost[s.Primary]
	for _, loc := range s.Secondary {
		base += locationCost[loc] * 0.5 // secondary tiers bill at half rate
	}
	if s.IncludesEmbedding {
		base += 0.5 // embedding generation
	}
	if s.IncludesRAG {
		base += 1.0 // index maintenance
	}
	if s.Compression {
		base *= 0.7
	}

	sizeKB := float64(sizeBytes) / 1024
	total := base * (1 + sizeKB*0.1)

	return types.CostEstimate{
		StorageCost:   round2(total),
		RetrievalCost: round2(total * 0.1),
		TotalMonthly:  round2(total * 1.1 * 30),
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// =============================================================================
// ADAPTIVE RE-PLANNING
// =============================================================================

// Replan adjusts a plan to observed usage. Hot memories gain a cache tier;
// memories untouched for a month move toward archive; RAG indexing is
// dropped when searches almost never hit. The input strategy is not
// mutated.
func (p *Planner) Replan(s types.StorageStrategy, stats types.UsageStats) types.StorageStrategy {
	out := s
	out.Secondary = slices.Clone(s.Secondary)

	switch {
	case stats.DailyAccessCount > 10:
		if !out.HasSecondary(types.LocationCache) {
			out.Secondary = append(out.Secondary, types.LocationCache)
		}
	case stats.DaysSinceLastAccess >= 30:
		if !out.HasSecondary(types.LocationArchive) {
			out.Secondary = append(out.Secondary, types.LocationArchive)
		}
		out.Secondary = dropLocation(out.Secondary, types.LocationCache)
		out.Compression = true
	}

	if stats.SearchHitRate < 0.1 && out.IncludesRAG {
		out.IncludesRAG = false
		out.Secondary = dropLocation(out.Secondary, types.LocationRAG)
	}
	return out
}

func dropLocation(locs []types.Location, loc types.Location) []types.Location {
	return slices.DeleteFunc(locs, func(l types.Location) bool { return l == loc })
}
