package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mnemos/internal/memerr"
	"mnemos/internal/retrieval"
	"mnemos/internal/types"
)

// RetrieveRequest is a targeted memory search. IncludeRelated widens the type
// filter to the taxonomy's neighboring paths.
type RetrieveRequest struct {
	UserID         string  `json:"user_id"`
	SessionID      string  `json:"session_id,omitempty"`
	Query          string  `json:"query"`
	MemoryType     string  `json:"memory_type,omitempty"`
	IncludeRelated bool    `json:"include_related"`
	Limit          int     `json:"limit,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
	OptimizeFor    string  `json:"optimize_for,omitempty"`
}

// RetrieveMemories runs a filtered semantic search and emits a retrieval
// event on success.
func (o *Orchestrator) RetrieveMemories(ctx context.Context, req RetrieveRequest) (*retrieval.Result, error) {
	const op = "orchestrator.RetrieveMemories"

	if strings.TrimSpace(req.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "query is required")
	}
	if o.search == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "no search engine wired")
	}

	filters := make(map[string]any)
	if req.SessionID != "" {
		filters["session_id"] = req.SessionID
	}
	if req.MemoryType != "" {
		if req.IncludeRelated {
			filters["memory_type"] = map[string]any{"$in": o.typeWithRelated(req.MemoryType)}
		} else {
			filters["memory_type"] = req.MemoryType
		}
	}

	res, err := o.search.Search(ctx, retrieval.Request{
		Table:       o.cfg.Table,
		Query:       req.Query,
		UserID:      req.UserID,
		Filters:     filters,
		Limit:       req.Limit,
		Threshold:   req.Threshold,
		OptimizeFor: req.OptimizeFor,
	})
	if err != nil {
		return nil, err
	}

	o.emit(ctx, types.MemoryEvent{
		Type:      types.EventMemoryRetrieved,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Metadata: map[string]any{
			"query":        req.Query,
			"result_count": len(res.Hits),
		},
	})
	return res, nil
}

// typeWithRelated expands a type path to itself plus its taxonomy neighbors.
func (o *Orchestrator) typeWithRelated(memoryType string) []string {
	p := types.ParsePath(memoryType)
	cl := types.Classification{Major: p.Major, Minor: p.Minor, Detail: p.Detail, Confidence: 1.0}

	out := []string{memoryType}
	for _, rel := range o.classifier.RelatedTypes(cl) {
		if rel != memoryType {
			out = append(out, rel)
		}
	}
	return out
}

// =============================================================================
// CONTEXT ASSEMBLY
// =============================================================================

// Context is the two-sided view a response generator wants: what was said
// recently, and what is durably known about the user.
type Context struct {
	Conversations []types.SearchHit `json:"conversations"`
	UserInfo      []types.SearchHit `json:"user_info"`
	TotalContext  int               `json:"total_context"`
}

// userInfoPrefixes select the durable-knowledge slice of the taxonomy.
var userInfoPrefixes = []string{"personal/identity", "personal/preference", "knowledge/fact"}

// GetContext fetches recent conversations and user information in parallel.
// With an empty query the semantic half is skipped and only recency context
// is returned.
func (o *Orchestrator) GetContext(ctx context.Context, userID, query string, contextSize int) (*Context, error) {
	const op = "orchestrator.GetContext"

	if strings.TrimSpace(userID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if contextSize <= 0 {
		contextSize = 5
	}

	out := &Context{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hits, err := o.recentConversations(gctx, userID, contextSize)
		if err != nil {
			return err
		}
		out.Conversations = hits
		return nil
	})

	if query != "" && o.search != nil {
		g.Go(func() error {
			res, err := o.search.Search(gctx, retrieval.Request{
				Table:       o.cfg.Table,
				Query:       query,
				UserID:      userID,
				Filters:     map[string]any{"memory_type": map[string]any{"$in": o.pathsWithPrefix(userInfoPrefixes...)}},
				Limit:       3,
				OptimizeFor: retrieval.OptimizeBalanced,
			})
			if err != nil {
				return err
			}
			out.UserInfo = res.Hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	out.TotalContext = len(out.Conversations) + len(out.UserInfo)
	return out, nil
}

// pathsWithPrefix lists every valid taxonomy path under the given prefixes,
// prefixes included.
func (o *Orchestrator) pathsWithPrefix(prefixes ...string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, prefix := range prefixes {
		add(prefix)
		for _, p := range o.classifier.ValidPaths() {
			if strings.HasPrefix(p, prefix+"/") {
				add(p)
			}
		}
	}
	return out
}

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// HistoryEntry is one conversation memory in history order.
type HistoryEntry struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	SessionID  string  `json:"session_id,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
	MemoryID   string  `json:"memory_id"`
	Importance float64 `json:"importance"`
}

// HistoryResult reports the fetched conversations and which path produced
// them: vector_search when the query matched semantically, recent otherwise.
type HistoryResult struct {
	Conversations []HistoryEntry `json:"conversations"`
	Count         int            `json:"count"`
	Query         string         `json:"query,omitempty"`
	UserID        string         `json:"user_id"`
	Source        string         `json:"source"`
}

// ConversationHistory fetches a user's conversation memories. A non-empty
// query searches semantically and falls back to recency when the search
// fails; an empty query goes straight to recency order.
func (o *Orchestrator) ConversationHistory(ctx context.Context, userID, query string, limit int) (*HistoryResult, error) {
	const op = "orchestrator.ConversationHistory"

	if strings.TrimSpace(userID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if limit <= 0 {
		limit = o.defaultLimit()
	}

	res := &HistoryResult{Query: query, UserID: userID, Source: "recent"}

	if query != "" && o.search != nil {
		found, err := o.search.Search(ctx, retrieval.Request{
			Table:       o.cfg.Table,
			Query:       query,
			UserID:      userID,
			Filters:     map[string]any{"memory_type": map[string]any{"$in": o.conversationTypes()}},
			Limit:       limit,
			OptimizeFor: retrieval.OptimizeBalanced,
		})
		if err == nil {
			res.Source = "vector_search"
			res.Conversations = historyEntries(found.Hits)
			res.Count = len(res.Conversations)
			return res, nil
		}
		o.log.Debug("history search failed, falling back to recency",
			zap.String("user_id", userID), zap.Error(err))
	}

	hits, err := o.recentConversations(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	res.Conversations = historyEntries(hits)
	res.Count = len(res.Conversations)
	return res, nil
}

func historyEntries(hits []types.SearchHit) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(hits))
	for _, h := range hits {
		e := HistoryEntry{
			Content:    h.Content,
			Similarity: h.Similarity,
			SessionID:  h.SessionID,
			MemoryID:   h.ID,
			Importance: h.Importance,
		}
		if !h.CreatedAt.IsZero() {
			e.Timestamp = h.CreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, e)
	}
	return out
}

// recentConversations pulls conversation rows straight from the vector store
// in reverse chronological order, no embedding required.
func (o *Orchestrator) recentConversations(ctx context.Context, userID string, limit int) ([]types.SearchHit, error) {
	const op = "orchestrator.recentConversations"

	if o.vectors == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, op, "no vector store wired")
	}

	query := fmt.Sprintf(
		`SELECT id, content, session_id, memory_type, importance, created_at
		   FROM %s
		  WHERE user_id = $1
		    AND (memory_type LIKE 'temporal/conversation%%' OR memory_type = 'conversation')
		  ORDER BY created_at DESC
		  LIMIT %d`, o.cfg.Table, limit)

	rows, err := o.vectors.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}

	hits := make([]types.SearchHit, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		hit := types.SearchHit{
			ID:         asString(row[0]),
			Content:    asString(row[1]),
			SessionID:  asString(row[2]),
			MemoryType: asString(row[3]),
			UserID:     userID,
		}
		if f, ok := row[4].(float64); ok {
			hit.Importance = f
		}
		if ts := asString(row[5]); ts != "" {
			hit.CreatedAt = parseRowTime(ts)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

var rowTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

func parseRowTime(s string) time.Time {
	for _, layout := range rowTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
