package server

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/orchestrator"
	"mnemos/internal/stream"
	"mnemos/internal/types"
)

// toolFunc implements one tool: decode arguments, act, return the payload
// the success envelope wraps. Returned errors become failure envelopes.
type toolFunc func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	name        string
	description string
	schema      map[string]any
	run         toolFunc
}

// =============================================================================
// RESPONSE ENVELOPES
// =============================================================================

// Every tool response is a self-contained record with a boolean success.
// Failures carry the message and the stable error_type kind; the transport
// itself never errors on a tool fault.

func successPayload(v any) json.RawMessage {
	const op = "server.successPayload"

	body := map[string]any{"success": true}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return failurePayload(memerr.Wrap(memerr.KindInternal, op, err))
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err == nil {
			for k, val := range fields {
				body[k] = val
			}
			body["success"] = true
		} else {
			body["result"] = json.RawMessage(raw)
		}
	}

	out, err := json.Marshal(body)
	if err != nil {
		return failurePayload(memerr.Wrap(memerr.KindInternal, op, err))
	}
	return out
}

func failurePayload(err error) json.RawMessage {
	out, mErr := json.Marshal(map[string]any{
		"success":    false,
		"error":      err.Error(),
		"error_type": string(memerr.KindOf(err)),
	})
	if mErr != nil {
		return json.RawMessage(`{"success":false,"error":"internal error","error_type":"Internal"}`)
	}
	return out
}

// decodeArgs strictly decodes tool arguments: an unknown argument name is a
// validation failure, not a silent drop.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return memerr.New(memerr.KindValidation, "server.decodeArgs", "invalid arguments: %v", err)
	}
	return nil
}

// callTool runs one registered tool and always returns a well-formed
// envelope. Unknown tool names fail inside the envelope too.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) json.RawMessage {
	t, ok := s.index[name]
	if !ok {
		return failurePayload(memerr.New(memerr.KindValidation, "server.callTool", "unknown tool %q", name))
	}

	start := time.Now()
	payload, err := t.run(ctx, args)
	if err != nil {
		s.log.Warn("tool failed",
			zap.String("tool", name), zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return failurePayload(err)
	}
	s.log.Debug("tool served",
		zap.String("tool", name), zap.Duration("elapsed", time.Since(start)))
	return successPayload(payload)
}

func (s *Server) toolList() []map[string]any {
	out := make([]map[string]any, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": t.schema,
		})
	}
	return out
}

// =============================================================================
// REGISTRY
// =============================================================================

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func (s *Server) registerTools() {
	s.tools = []*tool{
		{
			name:        "store_memory",
			description: "Store a memory with hierarchical classification",
			schema: schema([]string{"user_id", "content"}, map[string]any{
				"user_id":     prop("string", "Memory owner"),
				"content":     prop("string", "Content to store"),
				"session_id":  prop("string", "Originating session"),
				"memory_type": prop("string", "Pin the classification to this type path"),
				"metadata":    prop("object", "Additional metadata merged into the record"),
				"importance":  prop("number", "Pin the importance score, bypassing estimation"),
			}),
			run: s.toolStoreMemory,
		},
		{
			name:        "retrieve_memories",
			description: "Search a user's memories with type filtering",
			schema: schema([]string{"user_id", "query"}, map[string]any{
				"user_id":         prop("string", "Memory owner"),
				"query":           prop("string", "Search query"),
				"memory_type":     prop("string", "Restrict to one type path"),
				"session_id":      prop("string", "Restrict to one session"),
				"include_related": prop("boolean", "Widen the type filter to taxonomy neighbors (default true)"),
				"limit":           prop("integer", "Result cap"),
				"threshold":       prop("number", "Minimum similarity"),
				"optimize_for":    prop("string", "speed, balanced, or accuracy"),
			}),
			run: s.toolRetrieveMemories,
		},
		{
			name:        "get_context",
			description: "Get conversational and user context for a message",
			schema: schema([]string{"user_id", "message"}, map[string]any{
				"user_id":      prop("string", "Memory owner"),
				"message":      prop("string", "Current message to contextualize"),
				"session_id":   prop("string", "Originating session"),
				"context_size": prop("integer", "Entries per context side (default 5)"),
			}),
			run: s.toolGetContext,
		},
		{
			name:        "generate_contextual_response",
			description: "Generate a response using stored context, without auto-storage",
			schema: schema([]string{"user_id", "prompt"}, map[string]any{
				"user_id":    prop("string", "Memory owner"),
				"prompt":     prop("string", "User prompt"),
				"session_id": prop("string", "Originating session"),
			}),
			run: s.toolGenerateResponse,
		},
		{
			name:        "handle_utterance",
			description: "Process a user utterance with automatic memory management",
			schema:      utteranceSchema(),
			run:         s.toolHandleUtterance,
		},
		{
			name:        "process_user_prompt",
			description: "Process a user prompt with automatic memory management",
			schema:      utteranceSchema(),
			run:         s.toolHandleUtterance,
		},
		{
			name:        "analyze_content",
			description: "Classify and analyze content without storing it",
			schema: schema([]string{"content"}, map[string]any{
				"content": prop("string", "Content to analyze"),
				"context": prop("object", "Session hints: previous_type, session_types"),
			}),
			run: s.toolAnalyzeContent,
		},
		{
			name:        "get_memory_stats",
			description: "Get memory statistics with hierarchy grouping",
			schema: schema([]string{"user_id"}, map[string]any{
				"user_id":    prop("string", "Memory owner"),
				"session_id": prop("string", "Narrow to one session"),
			}),
			run: s.toolMemoryStats,
		},
		{
			name:        "optimize_vector_index",
			description: "Optimize the vector index for current data characteristics",
			schema: schema(nil, map[string]any{
				"table_name": prop("string", "Table to optimize (defaults to the memory collection)"),
				"force":      prop("boolean", "Bypass the interval and row-count gates"),
			}),
			run: s.toolOptimizeIndex,
		},
		{
			name:        "get_index_performance_stats",
			description: "Get vector index usage and query timing statistics",
			schema: schema(nil, map[string]any{
				"table_name": prop("string", "Table to inspect (defaults to the memory collection)"),
			}),
			run: s.toolIndexPerformance,
		},
		{
			name:        "subscribe_memory_updates",
			description: "Collect memory events for a bounded duration",
			schema: schema([]string{"user_id"}, map[string]any{
				"user_id":          prop("string", "Memory owner"),
				"session_id":       prop("string", "Narrow to one session"),
				"duration_seconds": prop("integer", "How long to listen (default 300)"),
			}),
			run: s.toolSubscribeUpdates,
		},
		{
			name:        "get_conversation_history",
			description: "Retrieve a user's conversation history",
			schema: schema([]string{"user_id"}, map[string]any{
				"user_id":    prop("string", "Memory owner"),
				"query":      prop("string", "Semantic filter; empty returns the most recent turns"),
				"session_id": prop("string", "Originating session"),
				"limit":      prop("integer", "Result cap (default 10)"),
			}),
			run: s.toolConversationHistory,
		},
		{
			name:        "get_recent_events",
			description: "Read recent memory events from the journal",
			schema: schema([]string{"user_id"}, map[string]any{
				"user_id":    prop("string", "Memory owner"),
				"event_type": prop("string", "Filter to one event type"),
				"limit":      prop("integer", "Result cap (default 50)"),
			}),
			run: s.toolRecentEvents,
		},
		{
			name:        "get_memory_table_stats",
			description: "Get table statistics and the recommended index strategy",
			schema: schema(nil, map[string]any{
				"table_name": prop("string", "Table to analyze (defaults to the memory collection)"),
			}),
			run: s.toolTableStats,
		},
		{
			name:        "set_vector_search_params",
			description: "Manually override vector search parameters",
			schema: schema(nil, map[string]any{
				"probes":    prop("integer", "IVFFlat probes (1-1000)"),
				"ef_search": prop("integer", "HNSW ef_search (10-500)"),
			}),
			run: s.toolSearchParams,
		},
		{
			name:        "benchmark_vector_search",
			description: "Benchmark vector search latency across optimization targets",
			schema: schema(nil, map[string]any{
				"table_name":  prop("string", "Table to benchmark (defaults to the memory collection)"),
				"sample_size": prop("integer", "Sample rows replayed as queries (max 20)"),
			}),
			run: s.toolBenchmark,
		},
		{
			name:        "analyze_memory_health",
			description: "Score a user's memory base and recommend improvements",
			schema: schema([]string{"user_id"}, map[string]any{
				"user_id": prop("string", "Memory owner"),
			}),
			run: s.toolMemoryHealth,
		},
	}

	s.index = make(map[string]*tool, len(s.tools))
	for _, t := range s.tools {
		s.index[t.name] = t
	}
}

func utteranceSchema() map[string]any {
	return schema([]string{"user_id", "prompt"}, map[string]any{
		"user_id":           prop("string", "Memory owner"),
		"prompt":            prop("string", "User prompt"),
		"session_id":        prop("string", "Originating session"),
		"auto_store":        prop("boolean", "Store what the turn decides matters (default true)"),
		"generate_response": prop("boolean", "Generate a model response (default true)"),
	})
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) toolStoreMemory(ctx context.Context, args json.RawMessage) (any, error) {
	var req orchestrator.StoreRequest
	if err := decodeArgs(args, &req); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.StoreMemory(ctx, req)
}

func (s *Server) toolRetrieveMemories(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID         string  `json:"user_id"`
		Query          string  `json:"query"`
		MemoryType     string  `json:"memory_type"`
		SessionID      string  `json:"session_id"`
		IncludeRelated *bool   `json:"include_related"`
		Limit          int     `json:"limit"`
		Threshold      float64 `json:"threshold"`
		OptimizeFor    string  `json:"optimize_for"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := s.deps.Orchestrator.RetrieveMemories(ctx, orchestrator.RetrieveRequest{
		UserID:         a.UserID,
		SessionID:      a.SessionID,
		Query:          a.Query,
		MemoryType:     a.MemoryType,
		IncludeRelated: a.IncludeRelated == nil || *a.IncludeRelated,
		Limit:          a.Limit,
		Threshold:      a.Threshold,
		OptimizeFor:    a.OptimizeFor,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id":     a.UserID,
		"query":       a.Query,
		"count":       len(res.Hits),
		"results":     res.Hits,
		"performance": res.Performance,
	}, nil
}

func (s *Server) toolGetContext(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID      string `json:"user_id"`
		Message     string `json:"message"`
		SessionID   string `json:"session_id"`
		ContextSize int    `json:"context_size"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	c, err := s.deps.Orchestrator.GetContext(ctx, a.UserID, a.Message, a.ContextSize)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id": a.UserID,
		"message": a.Message,
		"context": c,
	}, nil
}

func (s *Server) toolGenerateResponse(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID    string `json:"user_id"`
		Prompt    string `json:"prompt"`
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	return s.deps.Orchestrator.HandleUtterance(ctx, orchestrator.UtteranceRequest{
		UserID:           a.UserID,
		SessionID:        a.SessionID,
		Prompt:           a.Prompt,
		GenerateResponse: true,
	})
}

func (s *Server) toolHandleUtterance(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID           string `json:"user_id"`
		Prompt           string `json:"prompt"`
		SessionID        string `json:"session_id"`
		AutoStore        *bool  `json:"auto_store"`
		GenerateResponse *bool  `json:"generate_response"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	return s.deps.Orchestrator.HandleUtterance(ctx, orchestrator.UtteranceRequest{
		UserID:           a.UserID,
		SessionID:        a.SessionID,
		Prompt:           a.Prompt,
		AutoStore:        a.AutoStore == nil || *a.AutoStore,
		GenerateResponse: a.GenerateResponse == nil || *a.GenerateResponse,
	})
}

func (s *Server) toolAnalyzeContent(_ context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Content string `json:"content"`
		Context *struct {
			PreviousType string   `json:"previous_type"`
			SessionTypes []string `json:"session_types"`
		} `json:"context"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	var sctx *types.SessionContext
	if a.Context != nil {
		sctx = &types.SessionContext{
			PreviousType: a.Context.PreviousType,
			SessionTypes: a.Context.SessionTypes,
		}
	}
	return s.deps.Orchestrator.AnalyzeContent(a.Content, sctx)
}

func (s *Server) toolMemoryStats(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.MemoryStatistics(ctx, a.UserID, a.SessionID)
}

func (s *Server) toolOptimizeIndex(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TableName string `json:"table_name"`
		Force     bool   `json:"force"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Optimizer.Optimize(ctx, a.TableName, a.Force)
}

func (s *Server) toolIndexPerformance(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TableName string `json:"table_name"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Optimizer.IndexPerformance(ctx, a.TableName)
}

// Subscription collection bounds: a silent stream still returns at the
// deadline, a noisy one returns at the event cap.
const (
	subscribeDefaultDuration = 5 * time.Minute
	subscribeMaxDuration     = 10 * time.Minute
	subscribeEventCap        = 100
)

func (s *Server) toolSubscribeUpdates(ctx context.Context, args json.RawMessage) (any, error) {
	const op = "server.subscribe_memory_updates"

	var a struct {
		UserID          string `json:"user_id"`
		SessionID       string `json:"session_id"`
		DurationSeconds int    `json:"duration_seconds"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}

	duration := time.Duration(a.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = subscribeDefaultDuration
	}
	if duration > subscribeMaxDuration {
		duration = subscribeMaxDuration
	}

	var sub *stream.Subscription
	if a.SessionID != "" {
		sub = s.deps.Events.SubscribeSession(a.SessionID)
	} else {
		sub = s.deps.Events.SubscribeUser(a.UserID)
	}
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	events := make([]types.MemoryEvent, 0)
	missed := 0
	for len(events) < subscribeEventCap {
		d, err := sub.Next(waitCtx)
		if err != nil {
			break // deadline, shutdown, or stream closed
		}
		events = append(events, d.Event)
		missed += d.Missed
	}

	return map[string]any{
		"user_id":            a.UserID,
		"session_id":         a.SessionID,
		"event_count":        len(events),
		"events":             events,
		"missed":             missed,
		"subscription_stats": s.deps.Events.Stats(),
	}, nil
}

func (s *Server) toolConversationHistory(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID    string `json:"user_id"`
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.ConversationHistory(ctx, a.UserID, a.Query, a.Limit)
}

func (s *Server) toolRecentEvents(ctx context.Context, args json.RawMessage) (any, error) {
	const op = "server.get_recent_events"

	var a struct {
		UserID    string `json:"user_id"`
		EventType string `json:"event_type"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if strings.TrimSpace(a.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if s.deps.Local == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "event journal unavailable")
	}
	if a.Limit <= 0 {
		a.Limit = 50
	}

	events, err := s.deps.Local.RecentEvents(ctx, a.UserID, a.EventType, a.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user_id": a.UserID,
		"count":   len(events),
		"events":  events,
	}, nil
}

func (s *Server) toolTableStats(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TableName string `json:"table_name"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	stats, strat, err := s.deps.Optimizer.Recommend(ctx, a.TableName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stats":                stats,
		"recommended_strategy": strat,
		"timestamp":            time.Now().UTC(),
	}, nil
}

func (s *Server) toolSearchParams(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		Probes   int `json:"probes"`
		EFSearch int `json:"ef_search"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	if err := s.deps.Engine.SetSearchParams(ctx, a.Probes, a.EFSearch); err != nil {
		return nil, err
	}

	set := make([]map[string]any, 0, 2)
	if a.Probes > 0 {
		set = append(set, map[string]any{"parameter": "ivfflat.probes", "value": a.Probes})
	}
	if a.EFSearch > 0 {
		set = append(set, map[string]any{"parameter": "hnsw.ef_search", "value": a.EFSearch})
	}
	return map[string]any{"parameters_set": set}, nil
}

func (s *Server) toolBenchmark(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		TableName  string `json:"table_name"`
		SampleSize int    `json:"sample_size"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Optimizer.Benchmark(ctx, s.deps.Engine, a.TableName, a.SampleSize)
}

func (s *Server) toolMemoryHealth(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct {
		UserID string `json:"user_id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.MemoryHealth(ctx, a.UserID)
}
