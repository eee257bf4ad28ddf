package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mnemos/internal/memerr"
	"mnemos/internal/store"
	"mnemos/internal/types"
)

// minStoreImportance is the storage decision threshold: content scoring
// below it is acknowledged but not persisted.
const minStoreImportance = 4.0

// StoreRequest is one store_memory invocation.
type StoreRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	Content   string         `json:"content"`
	Type      string         `json:"memory_type,omitempty"` // pins classification when set
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Importance pins the score when positive, bypassing the processor's
	// estimate. Used by the response-storage path; zero means derive.
	Importance float64 `json:"importance,omitempty"`
}

// StoreResult reports one store_memory outcome. Secondary-tier failures are
// recorded here rather than failing the operation.
type StoreResult struct {
	Stored          bool                    `json:"stored"`
	Reason          string                  `json:"reason,omitempty"`
	MemoryID        string                  `json:"memory_id,omitempty"`
	MemoryType      string                  `json:"memory_type,omitempty"`
	Importance      float64                 `json:"importance,omitempty"`
	Classification  map[string]any          `json:"classification,omitempty"`
	StorageStrategy *types.StorageStrategy  `json:"storage_strategy,omitempty"`
	Processed       *types.ProcessedContent `json:"processed,omitempty"`
	RAGStored       bool                    `json:"rag_stored"`
	RAGError        string                  `json:"rag_error,omitempty"`
	SecondaryErrors map[string]string       `json:"secondary_errors,omitempty"`
}

// StoreMemory runs the storage pipeline: classify, process, plan, write.
// The primary write must succeed; secondary writes are best-effort with
// their failures recorded in the result. The memory_created event is
// emitted only after the primary write commits.
func (o *Orchestrator) StoreMemory(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	const op = "orchestrator.StoreMemory"

	if strings.TrimSpace(req.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "content is required")
	}

	cl := o.classify(req.Content, req.Type, o.sessionContext(req.UserID))
	processed := o.processor.Process(req.Content, cl, o.classifier.Importance(cl))
	if req.Importance > 0 {
		processed.Importance = req.Importance
		processed.ShouldStore = req.Importance >= minStoreImportance
	}

	if !processed.ShouldStore {
		return &StoreResult{
			Stored:    false,
			Reason:    "not significant",
			Processed: &processed,
		}, nil
	}

	plan := o.planner.Plan(cl.Path(), processed.Importance, len(req.Content))
	plan = o.adjustPlan(plan)

	mem := o.buildMemory(req, cl, processed)
	if err := mem.Validate(); err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, op, err)
	}

	if plan.IncludesEmbedding {
		vec, err := o.embed.GenerateEmbedding(ctx, mem.Content, o.cfg.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		if err := o.search.EnsureDimension(ctx, o.cfg.Table, vec); err != nil {
			return nil, err
		}
		mem.Embedding = vec
	}

	if err := o.writePrimary(ctx, plan, &mem, rowMetadata(mem, cl)); err != nil {
		return nil, err
	}

	result := &StoreResult{
		Stored:          true,
		MemoryID:        mem.ID,
		MemoryType:      mem.Type.String(),
		Importance:      mem.Importance,
		Classification:  cl.Dict(),
		StorageStrategy: &plan,
		Processed:       &processed,
	}
	o.writeSecondaries(ctx, plan, mem, result)

	o.emit(ctx, types.MemoryEvent{
		Type:       types.EventMemoryCreated,
		UserID:     mem.UserID,
		SessionID:  mem.SessionID,
		MemoryID:   mem.ID,
		MemoryType: mem.Type.String(),
		Content:    processed.Summary,
		Metadata: map[string]any{
			"importance": mem.Importance,
			"primary":    string(plan.Primary),
		},
	})

	o.log.Info("memory stored",
		zap.String("memory_id", mem.ID),
		zap.String("user_id", mem.UserID),
		zap.String("memory_type", result.MemoryType),
		zap.Float64("importance", mem.Importance),
		zap.String("primary", string(plan.Primary)))
	return result, nil
}

// classify resolves the memory type: a caller-pinned path is trusted with
// full confidence, everything else goes through the classifier.
func (o *Orchestrator) classify(content, pinned string, sctx *types.SessionContext) types.Classification {
	if pinned != "" {
		p := types.ParsePath(pinned)
		return types.Classification{Major: p.Major, Minor: p.Minor, Detail: p.Detail, Confidence: 1.0}
	}
	return o.classifier.Classify(content, sctx)
}

// adjustPlan degrades plans the deployed tiers cannot honor. With the cache
// tier disabled, short-lived memories promote to the durable store instead
// of vanishing.
func (o *Orchestrator) adjustPlan(plan types.StorageStrategy) types.StorageStrategy {
	if o.cache != nil {
		return plan
	}
	if plan.Primary == types.LocationCache {
		o.log.Debug("cache tier disabled, promoting to durable store")
		plan.Primary = types.LocationDB
		plan.IncludesEmbedding = true
		plan.IndexForSearch = true
		plan.TTLSeconds = 0
	}
	plan.Secondary = dropLocation(plan.Secondary, types.LocationCache)
	return plan
}

func dropLocation(locs []types.Location, loc types.Location) []types.Location {
	out := locs[:0]
	for _, l := range locs {
		if l != loc {
			out = append(out, l)
		}
	}
	return out
}

// buildMemory assembles the memory record from the request and the
// processor's output. Caller metadata is preserved; system fields win on
// key collisions.
func (o *Orchestrator) buildMemory(req StoreRequest, cl types.Classification, processed types.ProcessedContent) types.Memory {
	now := time.Now().UTC()

	mem := types.Memory{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Type:       cl.Path(),
		Content:    processed.StructuredContent,
		Importance: processed.Importance,
		Keywords:   processed.Keywords,
		Entities:   processed.Entities,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mem.Content == "" {
		mem.Content = req.Content
	}
	if mem.Content != req.Content {
		mem.OriginalContent = req.Content
	}

	md := make(map[string]any, len(req.Metadata)+len(processed.Metadata)+2)
	for k, v := range req.Metadata {
		md[k] = v
	}
	for k, v := range processed.Metadata {
		md[k] = v
	}
	if processed.Summary != "" && processed.Summary != mem.Content {
		md["summary"] = processed.Summary
	}
	md["storage_format"] = processed.StorageFormat
	mem.Metadata = md
	return mem
}

// rowMetadata flattens a memory into the vector row's metadata document.
// Scoping fields ride in metadata so retrieval can rebuild the hit without
// a second fetch.
func rowMetadata(mem types.Memory, cl types.Classification) map[string]any {
	md := make(map[string]any, len(mem.Metadata)+8)
	for k, v := range mem.Metadata {
		md[k] = v
	}
	md["user_id"] = mem.UserID
	if mem.SessionID != "" {
		md["session_id"] = mem.SessionID
	}
	md["memory_type"] = mem.Type.String()
	md["importance"] = mem.Importance
	md["created_at"] = mem.CreatedAt.Format(time.RFC3339Nano)
	if len(mem.Keywords) > 0 {
		md["keywords"] = mem.Keywords
	}
	if len(mem.Entities) > 0 {
		md["entities"] = mem.Entities
	}
	if mem.OriginalContent != "" {
		md["original_content"] = mem.OriginalContent
	}
	if !cl.Path().IsZero() {
		md["classification"] = cl.Dict()
	}
	return md
}

// writePrimary commits the plan's primary tier. Failure aborts the pipeline;
// there is nothing to roll back.
func (o *Orchestrator) writePrimary(ctx context.Context, plan types.StorageStrategy, mem *types.Memory, rowMD map[string]any) error {
	const op = "orchestrator.writePrimary"

	switch plan.Primary {
	case types.LocationDB:
		id, err := o.vectors.StoreVector(ctx, o.cfg.Table, mem.ID, mem.Content, mem.Embedding, rowMD)
		if err != nil {
			return err
		}
		if id != "" {
			mem.ID = id
		}
		return nil

	case types.LocationCache:
		ttl := o.cfg.CacheTTL
		if plan.TTLSeconds > 0 {
			ttl = time.Duration(plan.TTLSeconds) * time.Second
		}
		return o.cache.Put(ctx, *mem, ttl)

	case types.LocationArchive:
		return o.archiveCopy(ctx, *mem)
	}
	return memerr.New(memerr.KindInternal, op, "plan has no primary location")
}

// writeSecondaries fans out the plan's secondary tiers. Every write is
// best-effort; failures land in the result, never in the error return.
func (o *Orchestrator) writeSecondaries(ctx context.Context, plan types.StorageStrategy, mem types.Memory, result *StoreResult) {
	var (
		g, gctx              = errgroup.WithContext(ctx)
		ragErr               error
		cacheErr, archiveErr error
	)

	if plan.IncludesRAG && o.indexer != nil {
		g.Go(func() error {
			ragErr = o.indexer.SaveDocument(gctx, mem.Content, ragNamespace(mem.UserID, mem.Type), mem.ID, map[string]any{
				"user_id":     mem.UserID,
				"memory_type": mem.Type.String(),
				"timestamp":   mem.CreatedAt.Format(time.RFC3339Nano),
			})
			return nil
		})
	}
	if plan.HasSecondary(types.LocationCache) && o.cache != nil {
		g.Go(func() error {
			// Secondary cache entries are accelerators; they persist until
			// the sweep demotes them.
			cacheErr = o.cache.Put(gctx, mem, 0)
			return nil
		})
	}
	if plan.HasSecondary(types.LocationArchive) && o.local != nil {
		g.Go(func() error {
			archiveErr = o.archiveCopy(gctx, mem)
			return nil
		})
	}
	_ = g.Wait()

	result.RAGStored = plan.IncludesRAG && ragErr == nil && o.indexer != nil
	if ragErr != nil {
		result.RAGError = ragErr.Error()
		o.log.Warn("rag secondary write failed",
			zap.String("memory_id", mem.ID), zap.Error(ragErr))
	}
	for tier, err := range map[string]error{"cache": cacheErr, "archive": archiveErr} {
		if err == nil {
			continue
		}
		if result.SecondaryErrors == nil {
			result.SecondaryErrors = make(map[string]string)
		}
		result.SecondaryErrors[tier] = err.Error()
		o.log.Warn("secondary write failed",
			zap.String("tier", tier), zap.String("memory_id", mem.ID), zap.Error(err))
	}
}

// archiveCopy writes a memory into the local cold tier.
func (o *Orchestrator) archiveCopy(ctx context.Context, mem types.Memory) error {
	return o.local.Archive(ctx, store.ArchivedMemory{
		MemoryID:   mem.ID,
		UserID:     mem.UserID,
		MemoryType: mem.Type.String(),
		Importance: mem.Importance,
		Content:    mem.Content,
		Metadata:   mem.Metadata,
	})
}

// =============================================================================
// DRY-RUN ANALYSIS
// =============================================================================

// Analysis is the analyze_content result: the full pipeline verdict with no
// side effects.
type Analysis struct {
	Classification  map[string]any         `json:"classification"`
	Importance      float64                `json:"importance"`
	Processed       types.ProcessedContent `json:"processed_content"`
	StorageStrategy types.StorageStrategy  `json:"storage_strategy"`
	EstimatedCost   types.CostEstimate     `json:"estimated_cost"`
	RelatedTypes    []string               `json:"related_types"`
}

// AnalyzeContent runs classification, processing, and planning without
// writing anywhere.
func (o *Orchestrator) AnalyzeContent(content string, sctx *types.SessionContext) (*Analysis, error) {
	const op = "orchestrator.AnalyzeContent"

	if strings.TrimSpace(content) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "content is required")
	}

	cl := o.classifier.Classify(content, sctx)
	processed := o.processor.Process(content, cl, o.classifier.Importance(cl))
	plan := o.planner.Plan(cl.Path(), processed.Importance, len(content))

	return &Analysis{
		Classification:  cl.Dict(),
		Importance:      processed.Importance,
		Processed:       processed,
		StorageStrategy: plan,
		EstimatedCost:   o.planner.EstimateCost(plan, len(content)),
		RelatedTypes:    o.classifier.RelatedTypes(cl),
	}, nil
}
