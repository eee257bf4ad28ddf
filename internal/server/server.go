// Package server exposes the memory service over the SSE tool transport.
// Consumers open a GET /sse stream, receive a per-session POST endpoint, and
// send JSON-RPC envelopes whose replies multiplex back onto the stream. Tool
// semantics live in the orchestrator and its collaborators; this layer only
// frames them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"mnemos/internal/config"
	"mnemos/internal/indexopt"
	"mnemos/internal/orchestrator"
	"mnemos/internal/retrieval"
	"mnemos/internal/store"
	"mnemos/internal/stream"
)

const (
	protocolVersion = "2024-11-05"
	serverVersion   = "1.0.0"
)

// Downstream reports transport liveness for the health endpoint. The clients
// service set satisfies this.
type Downstream interface {
	Healthy() bool
}

// SearchTuner is the retrieval surface the tool layer uses directly:
// benchmark search execution and manual parameter overrides. The retrieval
// engine satisfies this.
type SearchTuner interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
	SetSearchParams(ctx context.Context, probes, efSearch int) error
}

// Deps carries the service surfaces the transport serves. Orchestrator,
// Optimizer, Engine, and Events are required; Local disables the event
// journal tools when nil, Downstream nil always reports healthy.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Optimizer    *indexopt.Optimizer
	Engine       SearchTuner
	Events       *stream.Stream
	Local        *store.Store
	Downstream   Downstream
}

// Config holds transport tuning knobs.
type Config struct {
	Host      string
	Port      int
	Heartbeat time.Duration // SSE keep-alive interval
	QueueSize int           // per-session outbound reply queue depth
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:      "0.0.0.0",
		Port:      8094,
		Heartbeat: 15 * time.Second,
		QueueSize: 32,
	}
}

// ConfigFrom maps the service configuration onto transport knobs.
func ConfigFrom(cfg *config.Config) *Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.Server.Host != "" {
		out.Host = cfg.Server.Host
	}
	if cfg.Server.Port > 0 {
		out.Port = cfg.Server.Port
	}
	return out
}

// Server is the HTTP surface: the SSE session endpoint, the message sink,
// the direct memory-event stream, and health.
type Server struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	hub   *hub
	tools []*tool
	index map[string]*tool

	// baseCtx governs dispatched tool calls, which outlive the POST that
	// carried them. Shutdown cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
}

// New builds a Server. A nil cfg uses defaults.
func New(deps Deps, cfg *Config, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	if resolved.Heartbeat <= 0 {
		resolved.Heartbeat = 15 * time.Second
	}
	if resolved.QueueSize <= 0 {
		resolved.QueueSize = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:    deps,
		cfg:     resolved,
		log:     log.Named("server"),
		hub:     newHub(resolved.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.registerTools()
	return s
}

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/sse", s.handleSSE)
	r.Post("/messages/", s.handleMessages)
	r.Get("/memory-stream", s.handleMemoryStream)

	return r
}

// Start serves until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown cancels in-flight tool calls, closes every session, and drains
// the listener. Safe to call without Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.closeAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if s.deps.Downstream != nil && !s.deps.Downstream.Healthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "service": "mnemos"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
