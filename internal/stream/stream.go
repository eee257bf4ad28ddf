// Package stream fans memory events out to attached consumers. Subscriptions
// key on user, session, or everything; each carries a bounded queue that drops
// the newest event when full, so producers never block on a slow consumer.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mnemos/internal/types"
)

// ErrClosed is returned by Next after the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// Config holds stream tuning knobs.
type Config struct {
	Capacity int // per-subscription queue depth
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Capacity: 100}
}

// =============================================================================
// STREAM
// =============================================================================

// Stream routes events to subscriptions. Each key family keeps its own lock;
// no lock is held while touching a queue.
type Stream struct {
	log      *zap.Logger
	capacity int

	userMu sync.RWMutex
	users  map[string]map[*Subscription]struct{}

	sessMu   sync.RWMutex
	sessions map[string]map[*Subscription]struct{}

	globalMu sync.RWMutex
	global   map[*Subscription]struct{}
}

// NewStream builds a Stream. A nil cfg uses defaults.
func NewStream(cfg *Config, log *zap.Logger) *Stream {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	return &Stream{
		log:      log.Named("stream"),
		capacity: cfg.Capacity,
		users:    make(map[string]map[*Subscription]struct{}),
		sessions: make(map[string]map[*Subscription]struct{}),
		global:   make(map[*Subscription]struct{}),
	}
}

// Publish delivers ev to every matching subscription: the event's user, its
// session when set, and all global consumers. Full queues drop the event.
func (s *Stream) Publish(ev types.MemoryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.userMu.RLock()
	targets := collect(s.users[ev.UserID], nil)
	s.userMu.RUnlock()

	if ev.SessionID != "" {
		s.sessMu.RLock()
		targets = collect(s.sessions[ev.SessionID], targets)
		s.sessMu.RUnlock()
	}

	s.globalMu.RLock()
	targets = collect(s.global, targets)
	s.globalMu.RUnlock()

	for _, sub := range targets {
		sub.offer(ev)
	}
}

func collect(set map[*Subscription]struct{}, into []*Subscription) []*Subscription {
	for sub := range set {
		into = append(into, sub)
	}
	return into
}

// SubscribeUser attaches a consumer to one user's events.
func (s *Stream) SubscribeUser(userID string) *Subscription {
	sub := s.newSubscription("user " + userID)
	s.userMu.Lock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.users[userID] = set
	}
	set[sub] = struct{}{}
	s.userMu.Unlock()

	sub.detach = func() {
		s.userMu.Lock()
		delete(s.users[userID], sub)
		if len(s.users[userID]) == 0 {
			delete(s.users, userID)
		}
		s.userMu.Unlock()
	}
	return sub
}

// SubscribeSession attaches a consumer to one session's events.
func (s *Stream) SubscribeSession(sessionID string) *Subscription {
	sub := s.newSubscription("session " + sessionID)
	s.sessMu.Lock()
	set, ok := s.sessions[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	s.sessMu.Unlock()

	sub.detach = func() {
		s.sessMu.Lock()
		delete(s.sessions[sessionID], sub)
		if len(s.sessions[sessionID]) == 0 {
			delete(s.sessions, sessionID)
		}
		s.sessMu.Unlock()
	}
	return sub
}

// SubscribeGlobal attaches a consumer to every event.
func (s *Stream) SubscribeGlobal() *Subscription {
	sub := s.newSubscription("global")
	s.globalMu.Lock()
	s.global[sub] = struct{}{}
	s.globalMu.Unlock()

	sub.detach = func() {
		s.globalMu.Lock()
		delete(s.global, sub)
		s.globalMu.Unlock()
	}
	return sub
}

func (s *Stream) newSubscription(key string) *Subscription {
	return &Subscription{
		key:    key,
		log:    s.log,
		events: make(chan types.MemoryEvent, s.capacity),
		done:   make(chan struct{}),
	}
}

// Stats reports attachment counts per key family.
type Stats struct {
	UserSubscriptions    int `json:"user_subscriptions"`
	SessionSubscriptions int `json:"session_subscriptions"`
	GlobalSubscriptions  int `json:"global_subscriptions"`
	TotalQueues          int `json:"total_queues"`
}

func (s *Stream) Stats() Stats {
	var st Stats

	s.userMu.RLock()
	st.UserSubscriptions = len(s.users)
	for _, set := range s.users {
		st.TotalQueues += len(set)
	}
	s.userMu.RUnlock()

	s.sessMu.RLock()
	st.SessionSubscriptions = len(s.sessions)
	for _, set := range s.sessions {
		st.TotalQueues += len(set)
	}
	s.sessMu.RUnlock()

	s.globalMu.RLock()
	st.GlobalSubscriptions = len(s.global)
	st.TotalQueues += len(s.global)
	s.globalMu.RUnlock()

	return st
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Delivery is one received event. Missed counts events this subscription
// dropped since the previous delivery; the consumer sees the gap at the first
// event that gets through.
type Delivery struct {
	Event  types.MemoryEvent
	Missed int
}

// Subscription is a consumer's handle on the stream. Close it when done;
// abandoned subscriptions fill up and shed events but never stall producers.
type Subscription struct {
	key    string
	log    *zap.Logger
	events chan types.MemoryEvent
	done   chan struct{}
	missed atomic.Int64
	once   sync.Once
	detach func()
}

// Next blocks until an event arrives, the subscription closes, or ctx ends.
func (sub *Subscription) Next(ctx context.Context) (Delivery, error) {
	select {
	case ev := <-sub.events:
		return Delivery{Event: ev, Missed: int(sub.missed.Swap(0))}, nil
	case <-sub.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Close removes the subscription from its key set. Safe to call twice;
// concurrent Next calls return ErrClosed.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.detach()
		close(sub.done)
	})
}

// offer enqueues without blocking. The events channel is never closed, so a
// racing Publish after Close lands in a garbage queue instead of panicking.
func (sub *Subscription) offer(ev types.MemoryEvent) {
	select {
	case sub.events <- ev:
	default:
		sub.missed.Add(1)
		sub.log.Warn("subscription queue full, event dropped",
			zap.String("subscription", sub.key),
			zap.String("event_type", string(ev.Type)))
	}
}
