// Package orchestrator composes the classifier, content processor, strategy
// planner, retrieval engine, and the storage tiers into the service's public
// operations. It owns the store_memory and handle_utterance pipelines, the
// read-side tools built on them, and the maintenance sweep that re-plans
// memories from observed access patterns.
//
// Side-effect ordering is fixed: the plan's primary write must succeed,
// secondary writes fan out best-effort, and events are emitted only after the
// side effect they describe has completed.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/classify"
	"mnemos/internal/config"
	"mnemos/internal/process"
	"mnemos/internal/retrieval"
	"mnemos/internal/session"
	"mnemos/internal/store"
	"mnemos/internal/strategy"
	"mnemos/internal/stream"
	"mnemos/internal/types"
)

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// VectorWriter persists memory rows in the primary vector store. The DB
// client satisfies this.
type VectorWriter interface {
	StoreVector(ctx context.Context, table, id, content string, vector []float32, metadata map[string]any) (string, error)
	UpdateMetadata(ctx context.Context, table, id string, metadata map[string]any, merge bool) error
	Query(ctx context.Context, query string, params ...any) ([][]any, error)
}

// Indexer writes secondary copies into the RAG index. The RAG client
// satisfies this.
type Indexer interface {
	SaveDocument(ctx context.Context, content, namespace, documentID string, metadata map[string]any) error
}

// Embedder turns content into a vector for the primary write. The RAG client
// satisfies this.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error)
}

// Completer generates responses. The model client satisfies this.
type Completer interface {
	GenerateCompletion(ctx context.Context, prompt, model string, temperature float64, maxTokens int) (string, error)
}

// Searcher runs similarity retrieval and guards write-time dimensions. The
// retrieval engine satisfies this.
type Searcher interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
	EnsureDimension(ctx context.Context, table string, vec []float32) error
}

// Cacher is the cache storage tier. The Redis cache satisfies this; nil
// disables the tier.
type Cacher interface {
	Put(ctx context.Context, mem types.Memory, ttl time.Duration) error
	Delete(ctx context.Context, userID, memoryID string) error
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Agent modes. Basic stores and retrieves without generating, react records
// a bounded reasoning trace and gates storage on the importance threshold,
// hybrid runs the full pipeline.
const (
	AgentBasic  = "basic"
	AgentReact  = "react"
	AgentHybrid = "hybrid"
)

// Config holds the orchestrator's tuning knobs.
type Config struct {
	Table          string // primary memory collection
	EmbeddingModel string
	LLMModel       string

	AgentType           string
	EnableIntelligence  bool    // hybrid mode: react reasoning on, or plain storage
	MaxReasoningSteps   int     // cap on recorded react trace entries
	ImportanceThreshold float64 // react storage gate
	ContextWindowSize   int     // turns consulted for continuity and context

	DefaultLimit int           // retrieval result cap when a caller passes none
	CacheTTL     time.Duration // cache-tier expiry when the plan carries none
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Table:               "memories",
		EmbeddingModel:      "bge-m3",
		LLMModel:            "EXAONE-3.5-2.4B-Instruct",
		AgentType:           AgentHybrid,
		EnableIntelligence:  true,
		MaxReasoningSteps:   8,
		ImportanceThreshold: 6.0,
		ContextWindowSize:   10,
		DefaultLimit:        10,
		CacheTTL:            24 * time.Hour,
	}
}

// ConfigFrom maps the service configuration onto orchestrator knobs.
func ConfigFrom(cfg *config.Config) *Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.Memory.Collection != "" {
		out.Table = cfg.Memory.Collection
	}
	if cfg.Memory.EmbeddingModel != "" {
		out.EmbeddingModel = cfg.Memory.EmbeddingModel
	}
	if cfg.Memory.LLMModel != "" {
		out.LLMModel = cfg.Memory.LLMModel
	}
	if cfg.Agent.Type != "" {
		out.AgentType = cfg.Agent.Type
	}
	out.EnableIntelligence = cfg.Agent.EnableIntelligence
	if cfg.Agent.MaxReasoningSteps > 0 {
		out.MaxReasoningSteps = cfg.Agent.MaxReasoningSteps
	}
	if cfg.Agent.ImportanceThreshold > 0 {
		out.ImportanceThreshold = cfg.Agent.ImportanceThreshold
	}
	if cfg.Agent.ContextWindowSize > 0 {
		out.ContextWindowSize = cfg.Agent.ContextWindowSize
	}
	if cfg.Search.DefaultLimit > 0 {
		out.DefaultLimit = cfg.Search.DefaultLimit
	}
	out.CacheTTL = cfg.GetCacheTTL()
	return out
}

// Deps wires an Orchestrator. Classifier, Processor, Planner, Vectors,
// Embedder, Searcher, Events, and Tracker are required; Cache, Indexer,
// Completer, and Local degrade gracefully when nil.
type Deps struct {
	Classifier *classify.Classifier
	Processor  *process.Processor
	Planner    *strategy.Planner

	Vectors   VectorWriter
	Indexer   Indexer
	Embedder  Embedder
	Completer Completer
	Searcher  Searcher

	Cache   Cacher
	Local   *store.Store
	Events  *stream.Stream
	Tracker *session.Tracker
}

// Orchestrator composes the pipeline components. Safe for concurrent use:
// all mutable state lives in the session tracker and the storage tiers.
type Orchestrator struct {
	classifier *classify.Classifier
	processor  *process.Processor
	planner    *strategy.Planner

	vectors   VectorWriter
	indexer   Indexer
	embed     Embedder
	completer Completer
	search    Searcher

	cache   Cacher
	local   *store.Store
	events  *stream.Stream
	tracker *session.Tracker

	log *zap.Logger
	cfg Config

	// tunMu guards the runtime-adjustable knobs so config hot reload never
	// races request goroutines.
	tunMu sync.RWMutex
	tun   tunables
}

// tunables is the subset of Config that may change while the process runs.
type tunables struct {
	maxReasoningSteps   int
	importanceThreshold float64
	defaultLimit        int
}

// New builds an Orchestrator from deps. A nil cfg uses defaults.
func New(deps Deps, cfg *Config, log *zap.Logger) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	if resolved.Table == "" {
		resolved.Table = "memories"
	}
	if resolved.AgentType == "" {
		resolved.AgentType = AgentHybrid
	}
	if resolved.MaxReasoningSteps <= 0 {
		resolved.MaxReasoningSteps = 8
	}
	if resolved.DefaultLimit <= 0 {
		resolved.DefaultLimit = 10
	}

	return &Orchestrator{
		classifier: deps.Classifier,
		processor:  deps.Processor,
		planner:    deps.Planner,
		vectors:    deps.Vectors,
		indexer:    deps.Indexer,
		embed:      deps.Embedder,
		completer:  deps.Completer,
		search:     deps.Searcher,
		cache:      deps.Cache,
		local:      deps.Local,
		events:     deps.Events,
		tracker:    deps.Tracker,
		log:        log.Named("orchestrator"),
		cfg:        resolved,
		tun: tunables{
			maxReasoningSteps:   resolved.MaxReasoningSteps,
			importanceThreshold: resolved.ImportanceThreshold,
			defaultLimit:        resolved.DefaultLimit,
		},
	}
}

// Retune applies the runtime-tunable knobs live. Zero or out-of-range values
// leave the current setting in place; structural knobs (models, table, agent
// type) are fixed for the process lifetime.
func (o *Orchestrator) Retune(maxSteps int, importanceThreshold float64, defaultLimit int) {
	o.tunMu.Lock()
	defer o.tunMu.Unlock()
	if maxSteps > 0 {
		o.tun.maxReasoningSteps = min(maxSteps, 20)
	}
	if importanceThreshold > 0 && importanceThreshold <= 10 {
		o.tun.importanceThreshold = importanceThreshold
	}
	if defaultLimit > 0 {
		o.tun.defaultLimit = defaultLimit
	}
}

func (o *Orchestrator) maxReasoningSteps() int {
	o.tunMu.RLock()
	defer o.tunMu.RUnlock()
	return o.tun.maxReasoningSteps
}

func (o *Orchestrator) importanceThreshold() float64 {
	o.tunMu.RLock()
	defer o.tunMu.RUnlock()
	return o.tun.importanceThreshold
}

func (o *Orchestrator) defaultLimit() int {
	o.tunMu.RLock()
	defer o.tunMu.RUnlock()
	return o.tun.defaultLimit
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// emit journals an event to the local tier, then publishes it on the stream.
// Both are best-effort; the side effect the event describes has already
// committed.
func (o *Orchestrator) emit(ctx context.Context, ev types.MemoryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if o.local != nil {
		if err := o.local.AppendEvent(ctx, ev); err != nil {
			o.log.Warn("event journal write failed",
				zap.String("event_type", string(ev.Type)), zap.Error(err))
		}
	}
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// sessionContext assembles classification hints from the user's recent turns.
func (o *Orchestrator) sessionContext(userID string) *types.SessionContext {
	if o.tracker == nil {
		return nil
	}
	turns := o.tracker.RecentTurns(userID, o.cfg.ContextWindowSize)
	if len(turns) == 0 {
		return nil
	}

	sctx := &types.SessionContext{}
	seen := make(map[string]bool)
	for _, turn := range turns {
		intent := string(turn.Intent)
		if intent != "" && !seen[intent] {
			seen[intent] = true
			sctx.SessionTypes = append(sctx.SessionTypes, intent)
		}
	}
	return sctx
}

// conversationTypes lists every taxonomy path under temporal/conversation,
// plus the flat legacy spelling still accepted on the wire.
func (o *Orchestrator) conversationTypes() []string {
	out := []string{"conversation"}
	for _, p := range o.classifier.ValidPaths() {
		if strings.HasPrefix(p, "temporal/conversation") {
			out = append(out, p)
		}
	}
	return out
}

// ragNamespace derives the index namespace for a memory type. The namespace
// keys on the kind segment so conversations land in "{user}_conversations"
// regardless of hierarchical or flat spelling.
func ragNamespace(userID string, path types.TypePath) string {
	kind := path.Minor
	if kind == "" {
		kind = path.Major
	}
	if kind == "" {
		kind = "memorie" // pluralizes to the default collection name
	}
	return userID + "_" + kind + "s"
}
