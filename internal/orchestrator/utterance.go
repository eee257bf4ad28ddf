package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"mnemos/internal/memerr"
	"mnemos/internal/retrieval"
	"mnemos/internal/types"
)

// fallbackResponse covers the turns where no model is wired or the model
// returned nothing usable. It is never stored as a response memory.
const fallbackResponse = "I understand. Let me help you with that."

// minResponseStoreRunes gates response storage; acknowledgements shorter than
// this carry no recall value.
const minResponseStoreRunes = 20

// maxStoredResponseRunes bounds the stored copy of a generated response.
const maxStoredResponseRunes = 500

// UtteranceRequest is one conversational turn. AutoStore and GenerateResponse
// default to off at this layer; the transport applies its own defaults before
// calling in.
type UtteranceRequest struct {
	UserID           string `json:"user_id"`
	SessionID        string `json:"session_id,omitempty"`
	Prompt           string `json:"prompt"`
	AutoStore        bool   `json:"auto_store"`
	GenerateResponse bool   `json:"generate_response"`
}

// RetrievalPlan records what kind of context fetch the turn decided on.
type RetrievalPlan struct {
	Type    string `json:"type"`    // temporal | semantic
	Purpose string `json:"purpose"` // recent_conversation | relevant_context
	Limit   int    `json:"limit"`
}

// MemoryPlan is the decision record for one turn: whether to store, what to
// fetch, and how to shape the response.
type MemoryPlan struct {
	ShouldStore     bool                   `json:"should_store"`
	MemoryType      string                 `json:"memory_type,omitempty"`
	Importance      float64                `json:"importance"`
	StorageStrategy *types.StorageStrategy `json:"storage_strategy,omitempty"`
	NeedsRetrieval  bool                   `json:"needs_retrieval"`
	Retrieval       *RetrievalPlan         `json:"retrieval,omitempty"`
	ResponseStyle   string                 `json:"response_style,omitempty"`
	DegradedContext bool                   `json:"degraded_context,omitempty"`
}

// Decisions is everything the turn concluded before acting on it.
type Decisions struct {
	Understanding Understanding `json:"understanding"`
	Plan          MemoryPlan    `json:"memory_plan"`
	Reasoning     []string      `json:"reasoning,omitempty"`
}

// UtterancePerformance summarizes one turn's work.
type UtterancePerformance struct {
	DurationMs    float64 `json:"duration_ms"`
	DecisionsMade int     `json:"decisions_made"`
	ActionsTaken  int     `json:"actions_taken"`
}

// UtteranceResult is the full record of a handled turn.
type UtteranceResult struct {
	Response    string               `json:"response,omitempty"`
	Decisions   Decisions            `json:"decisions"`
	Actions     []map[string]any     `json:"actions_taken"`
	Performance UtterancePerformance `json:"performance"`
}

// HandleUtterance runs one full conversational turn: understand, decide,
// fetch context, generate a response, store what matters, update the user
// model. Context retrieval failures degrade to an empty context rather than
// aborting the turn; a completion failure still surfaces as an error, but
// only after storage and bookkeeping have run.
func (o *Orchestrator) HandleUtterance(ctx context.Context, req UtteranceRequest) (*UtteranceResult, error) {
	const op = "orchestrator.HandleUtterance"
	start := time.Now()

	if strings.TrimSpace(req.UserID) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "user_id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, memerr.New(memerr.KindValidation, op, "prompt is required")
	}

	und := o.Understand(req.UserID, req.Prompt)
	plan, reasoning := o.decide(req, und)

	var (
		actions []map[string]any
		hits    []types.SearchHit
	)

	// ----- context -----
	if plan.NeedsRetrieval {
		fetched, err := o.fetchContext(ctx, req, plan.Retrieval)
		if err != nil {
			plan.DegradedContext = true
			reasoning = append(reasoning, "context retrieval failed, continuing without it")
			o.log.Warn("context retrieval failed",
				zap.String("user_id", req.UserID),
				zap.String("type", plan.Retrieval.Type),
				zap.Error(err))
		} else {
			hits = fetched
			actions = append(actions, map[string]any{
				"action": "retrieve_context",
				"type":   plan.Retrieval.Type,
				"count":  len(hits),
			})
			o.emit(ctx, types.MemoryEvent{
				Type:      types.EventMemoryRetrieved,
				UserID:    req.UserID,
				SessionID: req.SessionID,
				Metadata: map[string]any{
					"query":        req.Prompt,
					"result_count": len(hits),
				},
			})
		}
	}

	// ----- response -----
	var (
		response string
		genErr   error
	)
	switch {
	case !req.GenerateResponse:
	case o.cfg.AgentType == AgentBasic:
		reasoning = append(reasoning, "basic agent does not generate responses")
	case o.completer == nil:
		response = fallbackResponse
	default:
		prompt := buildResponsePrompt(und, plan, hits)
		out, err := o.completer.GenerateCompletion(ctx, prompt, o.cfg.LLMModel, 0.7, 500)
		switch {
		case err != nil:
			genErr = err
		case strings.TrimSpace(out) == "":
			response = fallbackResponse
		default:
			response = strings.TrimSpace(out)
		}
	}

	// ----- storage -----
	if req.AutoStore && plan.ShouldStore {
		stored, trace, err := o.storeForMode(ctx, StoreRequest{
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Content:   req.Prompt,
			Metadata: map[string]any{
				"intent": string(und.Intent),
				"role":   "user",
			},
		}, und)
		reasoning = append(reasoning, trace...)
		switch {
		case err != nil:
			reasoning = append(reasoning, "storing user message failed")
			o.log.Warn("user message storage failed",
				zap.String("user_id", req.UserID), zap.Error(err))
		case stored.Stored:
			actions = append(actions, map[string]any{
				"action":     "store_user_message",
				"memory_id":  stored.MemoryID,
				"type":       stored.MemoryType,
				"importance": stored.Importance,
			})
		default:
			reasoning = append(reasoning, "message did not clear the storage gate")
		}
	}

	if req.AutoStore && response != "" && response != fallbackResponse &&
		utf8.RuneCountInString(response) > minResponseStoreRunes {
		if act := o.storeResponse(ctx, req, und, response, len(hits) > 0); act != nil {
			actions = append(actions, act)
		}
	}

	// ----- user model -----
	if o.tracker != nil {
		o.tracker.Observe(req.UserID, req.Prompt, und.Language, und.Intent)
		o.tracker.AppendTurn(req.UserID, types.ConversationTurn{
			Message:   req.Prompt,
			Response:  response,
			Intent:    und.Intent,
			Timestamp: time.Now().UTC(),
		})
	}

	if genErr != nil {
		return nil, memerr.Wrap(memerr.KindOf(genErr), op, genErr)
	}

	res := &UtteranceResult{
		Response: response,
		Decisions: Decisions{
			Understanding: und,
			Plan:          plan,
			Reasoning:     reasoning,
		},
		Actions: actions,
		Performance: UtterancePerformance{
			DurationMs:    float64(time.Since(start).Microseconds()) / 1000.0,
			DecisionsMade: len(reasoning),
			ActionsTaken:  len(actions),
		},
	}

	o.log.Debug("utterance handled",
		zap.String("user_id", req.UserID),
		zap.String("intent", string(und.Intent)),
		zap.Bool("stored", plan.ShouldStore),
		zap.Int("actions", len(actions)),
		zap.Float64("duration_ms", res.Performance.DurationMs))
	return res, nil
}

// decide turns an understanding into a plan: recall intents replay recent
// conversation, self-referential questions search semantically, and anything
// clearing the significance gate gets a storage strategy.
func (o *Orchestrator) decide(req UtteranceRequest, und Understanding) (MemoryPlan, []string) {
	var reasoning []string
	plan := MemoryPlan{Importance: und.Processed.Importance}

	switch {
	case und.Intent == types.IntentRecallPrevious:
		plan.NeedsRetrieval = true
		plan.Retrieval = &RetrievalPlan{
			Type:    "temporal",
			Purpose: "recent_conversation",
			Limit:   o.defaultLimit(),
		}
		reasoning = append(reasoning, "recall intent, replaying recent conversations")
	case und.Intent == types.IntentQuestion && und.RequiresMemory:
		plan.NeedsRetrieval = true
		plan.Retrieval = &RetrievalPlan{
			Type:    "semantic",
			Purpose: "relevant_context",
			Limit:   5,
		}
		reasoning = append(reasoning, "question needs stored context, searching semantically")
	}

	if und.Processed.ShouldStore && und.Processed.Importance >= minStoreImportance {
		plan.ShouldStore = true
		plan.MemoryType = und.MemoryType
		strategy := o.planner.Plan(types.ParsePath(und.MemoryType), und.Processed.Importance, len(req.Prompt))
		plan.StorageStrategy = &strategy
		reasoning = append(reasoning,
			fmt.Sprintf("store as %s at importance %.1f", und.MemoryType, und.Processed.Importance))
	} else {
		reasoning = append(reasoning, "message below storage significance")
	}

	if o.tracker != nil && o.tracker.PrefersBrief(req.UserID) {
		plan.ResponseStyle = "brief"
		reasoning = append(reasoning, "user prefers brief responses")
	}

	return plan, reasoning
}

// fetchContext executes the decided retrieval. Temporal plans replay the
// user's recent conversation rows in store order; semantic plans run a vector
// search over everything the user has.
func (o *Orchestrator) fetchContext(ctx context.Context, req UtteranceRequest, rp *RetrievalPlan) ([]types.SearchHit, error) {
	if rp.Type == "temporal" {
		return o.recentConversations(ctx, req.UserID, rp.Limit)
	}

	if o.search == nil {
		return nil, memerr.New(memerr.KindStoreUnavailable, "orchestrator.fetchContext", "no search engine wired")
	}
	res, err := o.search.Search(ctx, retrieval.Request{
		Table:       o.cfg.Table,
		Query:       req.Prompt,
		UserID:      req.UserID,
		Limit:       rp.Limit,
		OptimizeFor: retrieval.OptimizeBalanced,
	})
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// storeResponse persists the assistant's reply as a conversation memory so
// recall turns can replay it. Recall answers rank above small talk.
func (o *Orchestrator) storeResponse(ctx context.Context, req UtteranceRequest, und Understanding, response string, usedContext bool) map[string]any {
	importance := 5.0
	if und.Intent == types.IntentRecallPrevious {
		importance = 7.0
	}

	stored, err := o.StoreMemory(ctx, StoreRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Content:   "Assistant: " + truncateRunes(response, maxStoredResponseRunes),
		Type:      "temporal/conversation/response",
		Metadata: map[string]any{
			"role":           "assistant",
			"in_response_to": truncateRunes(req.Prompt, 100),
			"context_used":   usedContext,
		},
		Importance: importance,
	})
	if err != nil {
		o.log.Warn("response storage failed",
			zap.String("user_id", req.UserID), zap.Error(err))
		return nil
	}
	if !stored.Stored {
		return nil
	}
	return map[string]any{
		"action":     "store_response",
		"memory_id":  stored.MemoryID,
		"importance": stored.Importance,
	}
}

// =============================================================================
// PROMPT ASSEMBLY
// =============================================================================

// buildResponsePrompt lays out retrieved context, the current interaction,
// and intent-specific instructions for the completion model.
func buildResponsePrompt(und Understanding, plan MemoryPlan, hits []types.SearchHit) string {
	var b strings.Builder

	conversations, userInfo := splitContext(hits)
	if len(conversations) > 0 {
		b.WriteString("=== Recent Conversations ===\n")
		for _, h := range conversations {
			fmt.Fprintf(&b, "- %s\n", h.Content)
		}
		b.WriteString("\n")
	}
	if len(userInfo) > 0 {
		b.WriteString("=== User Information ===\n")
		for _, h := range userInfo {
			fmt.Fprintf(&b, "- [%s] %s\n", h.MemoryType, h.Content)
		}
		b.WriteString("\n")
	}

	b.WriteString("=== Current Interaction ===\n")
	fmt.Fprintf(&b, "User Message: %s\n", und.RawMessage)
	fmt.Fprintf(&b, "Detected Intent: %s\n", und.Intent)
	fmt.Fprintf(&b, "Language: %s\n", und.Language)
	fmt.Fprintf(&b, "Importance: %.1f\n\n", und.Processed.Importance)

	b.WriteString("=== Instructions ===\n")
	b.WriteString(instructionsFor(und.Intent, und.Language, plan.ResponseStyle == "brief"))
	b.WriteString("\nResponse:")
	return b.String()
}

// splitContext separates conversation memories from the rest, keeping hit
// order. Conversations cap at five entries, other types at three each.
func splitContext(hits []types.SearchHit) (conversations, userInfo []types.SearchHit) {
	perType := make(map[string]int)
	for _, h := range hits {
		path := types.ParsePath(h.MemoryType)
		if path.Major == "conversation" || (path.Major == "temporal" && path.Minor == "conversation") {
			if len(conversations) < 5 {
				conversations = append(conversations, h)
			}
			continue
		}
		if perType[h.MemoryType] < 3 {
			perType[h.MemoryType]++
			userInfo = append(userInfo, h)
		}
	}
	return conversations, userInfo
}

// instructionsFor picks the numbered instruction block for the intent. Recall
// turns demand precision about what was previously said; questions demand
// honesty about missing information.
func instructionsFor(intent types.Intent, language string, brief bool) string {
	var lines []string
	switch intent {
	case types.IntentRecallPrevious:
		lines = []string{
			"Look at the Recent Conversations section carefully",
			"Find what the user is asking about (their previous question or statement)",
			"Answer specifically what they asked before",
			fmt.Sprintf("Use the same language (%s) as the user", language),
			"Be precise - quote their exact previous message if relevant",
		}
	case types.IntentQuestion:
		lines = []string{
			"Answer the user's question using the provided context",
			"Be accurate and specific",
			fmt.Sprintf("Use the same language (%s) as the user", language),
			"If you don't have enough information, say so honestly",
		}
	default:
		lines = []string{
			"Respond naturally to the user's message",
			"Use the context to personalize your response",
			fmt.Sprintf("Use the same language (%s) as the user", language),
			"Be helpful and conversational",
		}
	}
	if brief {
		lines = append(lines, "Keep the response brief and to the point")
	}

	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, line)
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
