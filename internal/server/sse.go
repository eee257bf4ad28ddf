package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mnemos/internal/stream"
)

// =============================================================================
// SESSIONS
// =============================================================================

// sseSession is one connected consumer: its SSE response stream plus the
// queue of replies waiting to go out on it.
type sseSession struct {
	id   string
	out  chan json.RawMessage
	done chan struct{}
	once sync.Once
}

func (sess *sseSession) close() {
	sess.once.Do(func() { close(sess.done) })
}

// send queues a reply without blocking. A closed session or a full queue
// drops the message; the out channel is never closed, so a racing dispatch
// after close lands in a garbage queue instead of panicking.
func (sess *sseSession) send(msg json.RawMessage) bool {
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- msg:
		return true
	default:
		return false
	}
}

// hub tracks live sessions by id.
type hub struct {
	mu        sync.RWMutex
	queueSize int
	sessions  map[string]*sseSession
}

func newHub(queueSize int) *hub {
	return &hub{queueSize: queueSize, sessions: make(map[string]*sseSession)}
}

func (h *hub) open() *sseSession {
	sess := &sseSession{
		id:   uuid.NewString(),
		out:  make(chan json.RawMessage, h.queueSize),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	return sess
}

func (h *hub) get(id string) *sseSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *hub) drop(id string) {
	h.mu.Lock()
	sess := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for id, sess := range h.sessions {
		sess.close()
		delete(h.sessions, id)
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// =============================================================================
// SSE FRAMING
// =============================================================================

func sseHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeSSE frames one event. Multi-line data splits into repeated data lines
// per the SSE format; an empty event name sends a bare data frame.
func writeSSE(w io.Writer, event, data string) {
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func jsonBody(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// =============================================================================
// /sse
// =============================================================================

// handleSSE opens a tool session: announce the POST endpoint, then relay
// queued replies and keep-alive comments until either side disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := s.hub.open()
	defer s.hub.drop(sess.id)

	sseHeaders(w)
	writeSSE(w, "endpoint", "/messages/?session_id="+sess.id)
	flusher.Flush()

	s.log.Info("session opened", zap.String("session_id", sess.id))
	defer s.log.Info("session closed", zap.String("session_id", sess.id))

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.out:
			writeSSE(w, "message", string(msg))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// =============================================================================
// /memory-stream
// =============================================================================

// handleMemoryStream serves memory events directly over SSE, scoped to a
// user or narrowed to one session. Quiet periods carry heartbeat frames so
// intermediaries keep the connection open.
func (s *Server) handleMemoryStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID := r.URL.Query().Get("user_id")
	sessionID := r.URL.Query().Get("session_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user_id required"})
		return
	}

	var sub *stream.Subscription
	if sessionID != "" {
		sub = s.deps.Events.SubscribeSession(sessionID)
	} else {
		sub = s.deps.Events.SubscribeUser(userID)
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	sseHeaders(w)
	writeSSE(w, "", jsonBody(map[string]any{
		"event":     "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}))
	flusher.Flush()

	s.log.Info("memory stream opened",
		zap.String("user_id", userID), zap.String("session_id", sessionID))

	for {
		waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.Heartbeat)
		d, err := sub.Next(waitCtx)
		cancelWait()

		switch {
		case err == nil:
			payload := map[string]any{
				"event": string(d.Event.Type),
				"data":  d.Event,
			}
			if d.Missed > 0 {
				payload["missed"] = d.Missed
			}
			writeSSE(w, "", jsonBody(payload))
			flusher.Flush()

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			writeSSE(w, "", jsonBody(map[string]any{
				"event":     "heartbeat",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()

		default:
			// Client gone, shutdown, or stream closed. The farewell frame is
			// best effort; a dead connection just discards it.
			writeSSE(w, "", jsonBody(map[string]any{
				"event":     "disconnected",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}))
			flusher.Flush()
			return
		}
	}
}
