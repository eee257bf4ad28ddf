// Package types provides shared type definitions used across mnemos packages.
// This package exists to break import cycles between the classifier, processor,
// planner, and orchestrator. Types here are foundational data structures with
// no dependencies beyond the standard library.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// HIERARCHICAL MEMORY TYPES
// =============================================================================

// TypePath is a three-level hierarchical memory type: major/minor/detail.
// Example: personal/identity/name. A zero TypePath means "unclassified".
type TypePath struct {
	Major  string
	Minor  string
	Detail string
}

// NewPath builds a TypePath from its three segments.
func NewPath(major, minor, detail string) TypePath {
	return TypePath{Major: major, Minor: minor, Detail: detail}
}

// ParsePath parses "major/minor/detail". Shorter forms are tolerated for
// legacy flat types: "conversation" parses as {Major: "conversation"}.
func ParsePath(s string) TypePath {
	parts := strings.Split(strings.TrimSpace(s), "/")
	p := TypePath{}
	if len(parts) > 0 {
		p.Major = parts[0]
	}
	if len(parts) > 1 {
		p.Minor = parts[1]
	}
	if len(parts) > 2 {
		p.Detail = parts[2]
	}
	return p
}

// String renders the path in its canonical slash form, omitting empty tails.
func (p TypePath) String() string {
	if p.Major == "" {
		return ""
	}
	if p.Minor == "" {
		return p.Major
	}
	if p.Detail == "" {
		return p.Major + "/" + p.Minor
	}
	return p.Major + "/" + p.Minor + "/" + p.Detail
}

// Prefix returns the two-level "major/minor" prefix used by importance and
// storage-policy tables.
func (p TypePath) Prefix() string {
	if p.Minor == "" {
		return p.Major
	}
	return p.Major + "/" + p.Minor
}

// IsZero reports whether the path carries no classification at all.
func (p TypePath) IsZero() bool { return p.Major == "" }

// IsHierarchical reports whether the path has all three levels.
func (p TypePath) IsHierarchical() bool {
	return p.Major != "" && p.Minor != "" && p.Detail != ""
}

// Classification is the classifier's verdict for one utterance.
type Classification struct {
	Major      string  `json:"major"`
	Minor      string  `json:"minor"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
}

// Path returns the classification as a TypePath.
func (c Classification) Path() TypePath {
	return TypePath{Major: c.Major, Minor: c.Minor, Detail: c.Detail}
}

// Dict renders the classification in its wire shape, including the joined path.
func (c Classification) Dict() map[string]any {
	return map[string]any{
		"major":      c.Major,
		"minor":      c.Minor,
		"detail":     c.Detail,
		"path":       c.Path().String(),
		"confidence": c.Confidence,
	}
}

// SessionContext carries per-session hints into classification: the previous
// classification boosts path scores 1.5x, active session types boost 1.2x.
type SessionContext struct {
	PreviousType string
	SessionTypes []string
}

// =============================================================================
// MEMORY RECORD
// =============================================================================

// Entity is one extracted structured value with its extraction confidence.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Memory is the atomic unit of persisted knowledge. Content and Embedding are
// immutable after creation; only Metadata may be patched.
type Memory struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	SessionID       string         `json:"session_id,omitempty"`
	Type            TypePath       `json:"-"`
	Content         string         `json:"content"`
	OriginalContent string         `json:"original_content,omitempty"`
	Importance      float64        `json:"importance"`
	Keywords        []string       `json:"keywords,omitempty"`
	Entities        []Entity       `json:"entities,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Embedding       []float32      `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate enforces the write-time invariants every stored memory must hold.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("memory user_id must be non-empty")
	}
	if m.Importance < 0 || m.Importance > 10 {
		return fmt.Errorf("memory importance %.2f outside [0, 10]", m.Importance)
	}
	return nil
}

// Storage formats produced by the content processor.
const (
	FormatFull       = "full"
	FormatStructured = "structured"
	FormatJSON       = "json"
	FormatSummary    = "summary"
)

// ProcessedContent is the content processor's output for one utterance.
type ProcessedContent struct {
	StructuredContent string         `json:"structured_content"`
	Entities          []Entity       `json:"extracted_entities"`
	Summary           string         `json:"summary"`
	Keywords          []string       `json:"keywords"`
	ShouldStore       bool           `json:"should_store"`
	StorageFormat     string         `json:"storage_format"`
	Importance        float64        `json:"importance"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// =============================================================================
// STORAGE STRATEGY
// =============================================================================

// Location is a physical storage tier.
type Location string

const (
	LocationDB      Location = "database"
	LocationRAG     Location = "rag_index"
	LocationCache   Location = "cache"
	LocationArchive Location = "archive"
)

// StorageStrategy is the planner's decision for one memory: where it lives,
// whether it is embedded and RAG-indexed, and how long it survives.
type StorageStrategy struct {
	Primary           Location   `json:"primary"`
	Secondary         []Location `json:"secondary"`
	IncludesRAG       bool       `json:"rag_enabled"`
	IncludesEmbedding bool       `json:"embedding_enabled"`
	TTLSeconds        int        `json:"ttl,omitempty"`
	Compression       bool       `json:"compression"`
	IndexForSearch    bool       `json:"searchable"`
}

// HasSecondary reports whether loc is among the strategy's secondary tiers.
func (s StorageStrategy) HasSecondary(loc Location) bool {
	for _, l := range s.Secondary {
		if l == loc {
			return true
		}
	}
	return false
}

// CostEstimate is an observability record, not a billing artifact. Units are
// relative: DB=1.0 per KB-month, with multipliers for other tiers.
type CostEstimate struct {
	StorageCost   float64 `json:"storage_cost"`
	RetrievalCost float64 `json:"retrieval_cost"`
	TotalMonthly  float64 `json:"total_monthly"`
}

// UsageStats feeds adaptive re-planning. All fields observed, never estimated.
type UsageStats struct {
	DailyAccessCount    float64 `json:"daily_access_count"`
	DaysSinceLastAccess int     `json:"days_since_last_access"`
	SearchHitRate       float64 `json:"search_hit_rate"`
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// SearchHit is one retrieval result, ordered by similarity descending with
// importance and recency as tie-breakers.
type SearchHit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	MemoryType string         `json:"memory_type,omitempty"`
	Importance float64        `json:"importance,omitempty"`
	Similarity float64        `json:"similarity"`
	Keywords   []string       `json:"keywords,omitempty"`
	Entities   []Entity       `json:"entities,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// SearchPerformance accompanies every retrieval result set.
type SearchPerformance struct {
	DurationMs  float64 `json:"duration_ms"`
	Probes      int     `json:"probes,omitempty"`
	OptimizeFor string  `json:"optimize_for"`
}

// =============================================================================
// EVENTS
// =============================================================================

// EventType enumerates memory lifecycle events.
type EventType string

const (
	EventMemoryCreated   EventType = "memory_created"
	EventMemoryUpdated   EventType = "memory_updated"
	EventMemoryDeleted   EventType = "memory_deleted"
	EventMemoryRetrieved EventType = "memory_retrieved"
)

// MemoryEvent is broadcast on every memory side effect. Emission happens-after
// the side effect completes.
type MemoryEvent struct {
	Type       EventType      `json:"event_type"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id,omitempty"`
	MemoryID   string         `json:"memory_id,omitempty"`
	MemoryType string         `json:"memory_type,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// =============================================================================
// CONVERSATION STATE
// =============================================================================

// Intent is the orchestrator's reading of what the user wants this turn.
type Intent string

const (
	IntentRecallPrevious     Intent = "recall_previous"
	IntentQuestion           Intent = "question"
	IntentInformationSharing Intent = "information_sharing"
	IntentGreeting           Intent = "greeting"
	IntentConversation       Intent = "conversation"
)

// ConversationTurn is one entry in a user's bounded conversation buffer.
type ConversationTurn struct {
	Message   string    `json:"message"`
	Response  string    `json:"response,omitempty"`
	Intent    Intent    `json:"intent"`
	Timestamp time.Time `json:"timestamp"`
}

// UserModel is the per-user behavioral profile maintained across turns.
// Averages are running recomputations, not windows.
type UserModel struct {
	InteractionCount      int            `json:"interaction_count"`
	CommonIntents         map[string]int `json:"common_intents"`
	LanguagePreference    string         `json:"language_preference"`
	AvgMessageLength      float64        `json:"avg_message_length"`
	QuestionFrequency     float64        `json:"question_frequency"`
	PrefersBriefResponses bool           `json:"prefers_brief_responses"`
}
