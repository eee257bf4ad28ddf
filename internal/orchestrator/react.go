package orchestrator

import (
	"context"
	"fmt"
	"time"

	"mnemos/internal/retrieval"
	"mnemos/internal/types"
)

// velocityWindow is how far back the react trace looks when judging whether
// the user is in an active learning burst.
const velocityWindow = time.Hour

// storeForMode routes a storage decision through the configured agent mode.
// Basic stores on the heuristic verdict as-is. React runs a bounded reasoning
// trace that can raise the importance and re-gates on the configured
// threshold. Hybrid reasons only while intelligence is enabled.
func (o *Orchestrator) storeForMode(ctx context.Context, req StoreRequest, und Understanding) (*StoreResult, []string, error) {
	mode := o.cfg.AgentType
	if mode == AgentHybrid {
		if o.cfg.EnableIntelligence {
			mode = AgentReact
		} else {
			mode = AgentBasic
		}
	}

	if mode == AgentReact {
		return o.reactStore(ctx, req, und)
	}
	res, err := o.StoreMemory(ctx, req)
	return res, nil, err
}

// reactStore runs the thought/action loop before committing a memory. Each
// trace entry consumes one reasoning step; once MaxReasoningSteps is spent,
// remaining probes are skipped and the decision is made on what is known.
// The final verdict is always recorded even when the budget is exhausted.
func (o *Orchestrator) reactStore(ctx context.Context, req StoreRequest, und Understanding) (*StoreResult, []string, error) {
	var trace []string
	steps := 0
	budget := o.maxReasoningSteps()
	step := func(format string, args ...any) bool {
		if steps >= budget {
			return false
		}
		steps++
		trace = append(trace, fmt.Sprintf(format, args...))
		return true
	}

	importance := und.Processed.Importance
	step("thought: base importance %.1f for %s", importance, und.MemoryType)

	// Early memories of a new user are disproportionately valuable; there is
	// nothing else to know them by yet.
	var (
		model types.UserModel
		known bool
	)
	if o.tracker != nil {
		model, known = o.tracker.Model(req.UserID)
	}
	switch {
	case !known || model.InteractionCount < 5:
		importance += 1.5
		step("thought: new user, early memories weigh more (+1.5)")
	case model.InteractionCount < 10:
		importance += 0.5
		step("thought: young profile, still building the picture (+0.5)")
	}

	// Novelty probe: how much of this type do we already hold?
	if o.search != nil && step("action: count stored memories of type %s", und.MemoryType) {
		res, err := o.search.Search(ctx, retrieval.Request{
			Table:       o.cfg.Table,
			Query:       req.Content,
			UserID:      req.UserID,
			Filters:     map[string]any{"memory_type": und.MemoryType},
			Limit:       3,
			OptimizeFor: retrieval.OptimizeSpeed,
		})
		switch {
		case err != nil:
			importance += 1.0
			step("thought: novelty probe unavailable, assuming first of its type (+1.0)")
		case len(res.Hits) == 0:
			importance += 1.0
			step("thought: first memory of this type (+1.0)")
		case len(res.Hits) < 2:
			importance += 0.5
			step("thought: sparse coverage of this type (+0.5)")
		default:
			step("thought: %d similar memories already stored", len(res.Hits))
		}
	}

	// Burst detection: rapid storage means an active learning session.
	if o.local != nil && step("action: check recent storage velocity") {
		if events, err := o.local.RecentEvents(ctx, req.UserID, string(types.EventMemoryCreated), 20); err == nil {
			recent := 0
			cutoff := time.Now().UTC().Add(-velocityWindow)
			for _, ev := range events {
				if ev.Timestamp.After(cutoff) {
					recent++
				}
			}
			if recent > 5 {
				importance += 0.3
				step("thought: active learning burst, %d memories in the last hour (+0.3)", recent)
			}
		}
	}

	// Identity and profession facts anchor everything else about a user.
	path := types.ParsePath(und.MemoryType)
	if path.Major == "personal" && (path.Minor == "identity" || path.Minor == "profession") && importance < 8.0 {
		importance = 8.0
		step("thought: identity memory, raising to the 8.0 floor")
	}

	importance = min(importance, 10.0)

	if threshold := o.importanceThreshold(); importance < threshold {
		trace = append(trace, fmt.Sprintf(
			"thought: importance %.1f below threshold %.1f, not storing", importance, threshold))
		return &StoreResult{
			Stored:     false,
			Reason:     "below importance threshold",
			MemoryType: und.MemoryType,
			Importance: importance,
			Processed:  &und.Processed,
		}, trace, nil
	}

	trace = append(trace, fmt.Sprintf("action: store as %s at importance %.1f", und.MemoryType, importance))
	req.Importance = importance
	res, err := o.StoreMemory(ctx, req)
	return res, trace, err
}
