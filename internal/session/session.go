// Package session tracks per-user conversational state: a bounded ring of
// recent turns and a learned interaction model. State is in-process and
// advisory; the durable record lives in the storage tiers.
package session

import (
	"hash/fnv"
	"maps"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"mnemos/internal/types"
)

// briefThreshold is the average message length, in runes, under which a user
// is read as preferring brief responses.
const briefThreshold = 50

const shardCount = 16

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds the tracker's per-user state.
type Config struct {
	// BufferSize is the number of turns kept per user; the oldest is dropped
	// past it.
	BufferSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{BufferSize: 10}
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker shards buffers and models by user so concurrent turns for different
// users never contend. Locks are held only for the O(1) update.
type Tracker struct {
	shards  [shardCount]*shard
	bufSize int
	log     *zap.Logger
}

type shard struct {
	mu      sync.Mutex
	buffers map[string]*ring
	models  map[string]*types.UserModel
}

// NewTracker creates a tracker with the given bounds.
func NewTracker(cfg *Config, log *zap.Logger) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}
	t := &Tracker{bufSize: size, log: log.Named("session")}
	for i := range t.shards {
		t.shards[i] = &shard{
			buffers: make(map[string]*ring),
			models:  make(map[string]*types.UserModel),
		}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

// =============================================================================
// CONVERSATION BUFFER
// =============================================================================

// AppendTurn records one exchange, dropping the oldest once the buffer is
// full. A zero timestamp is stamped at append.
func (t *Tracker) AppendTurn(userID string, turn types.ConversationTurn) {
	if userID == "" {
		return
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.buffers[userID]
	if r == nil {
		r = newRing(t.bufSize)
		sh.buffers[userID] = r
	}
	r.push(turn)
}

// RecentTurns returns up to n of the user's latest turns in chronological
// order. n <= 0 returns everything buffered.
func (t *Tracker) RecentTurns(userID string, n int) []types.ConversationTurn {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	r := sh.buffers[userID]
	if r == nil {
		return nil
	}
	return r.recent(n)
}

// =============================================================================
// USER MODEL
// =============================================================================

// Observe folds one interaction into the user's model and returns the updated
// copy. Averages are running recomputations over the full interaction count.
func (t *Tracker) Observe(userID, message, language string, intent types.Intent) types.UserModel {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	m := sh.models[userID]
	if m == nil {
		m = &types.UserModel{
			CommonIntents:      make(map[string]int),
			LanguagePreference: language,
		}
		sh.models[userID] = m
	}
	if m.LanguagePreference == "" {
		m.LanguagePreference = language
	}

	m.InteractionCount++
	n := float64(m.InteractionCount)
	m.CommonIntents[string(intent)]++

	// Rune count, not bytes: Korean text is three bytes per syllable and the
	// brief-response threshold is a character budget.
	length := float64(utf8.RuneCountInString(message))
	m.AvgMessageLength = (m.AvgMessageLength*(n-1) + length) / n

	asked := 0.0
	if intent == types.IntentQuestion || intent == types.IntentRecallPrevious {
		asked = 1
	}
	m.QuestionFrequency = (m.QuestionFrequency*(n-1) + asked) / n

	m.PrefersBriefResponses = m.AvgMessageLength < briefThreshold
	return copyModel(m)
}

// Model returns a copy of the user's model. The second return is false for
// users never observed.
func (t *Tracker) Model(userID string) (types.UserModel, bool) {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	m := sh.models[userID]
	if m == nil {
		return types.UserModel{}, false
	}
	return copyModel(m), true
}

// PrefersBrief reports the learned response-style preference.
func (t *Tracker) PrefersBrief(userID string) bool {
	m, ok := t.Model(userID)
	return ok && m.PrefersBriefResponses
}

func copyModel(m *types.UserModel) types.UserModel {
	out := *m
	out.CommonIntents = maps.Clone(m.CommonIntents)
	return out
}

// =============================================================================
// STATS
// =============================================================================

// Stats summarizes tracked state for the stats surface.
type Stats struct {
	Users         int `json:"users"`
	BufferedTurns int `json:"buffered_turns"`
}

// TrackerStats counts users and buffered turns across all shards.
func (t *Tracker) TrackerStats() Stats {
	var st Stats
	for _, sh := range t.shards {
		sh.mu.Lock()
		users := make(map[string]struct{}, len(sh.buffers)+len(sh.models))
		for u := range sh.buffers {
			users[u] = struct{}{}
		}
		for u := range sh.models {
			users[u] = struct{}{}
		}
		st.Users += len(users)
		for _, r := range sh.buffers {
			st.BufferedTurns += r.count
		}
		sh.mu.Unlock()
	}
	return st
}

// =============================================================================
// RING BUFFER
// =============================================================================

type ring struct {
	turns []types.ConversationTurn
	next  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{turns: make([]types.ConversationTurn, capacity)}
}

func (r *ring) push(turn types.ConversationTurn) {
	r.turns[r.next] = turn
	r.next = (r.next + 1) % len(r.turns)
	if r.count < len(r.turns) {
		r.count++
	}
}

// recent returns the last n turns oldest first.
func (r *ring) recent(n int) []types.ConversationTurn {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]types.ConversationTurn, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.turns)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.turns[(start+i)%len(r.turns)])
	}
	return out
}
