package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch-loop timing: an event must settle for debounceSettle before the file
// is re-read, so a half-written save is never parsed. The sweep ticker bounds
// how long a settled event waits.
const (
	debounceSweep  = 100 * time.Millisecond
	debounceSettle = 500 * time.Millisecond
)

// Watcher reloads the configuration file while the process runs. Only the
// dynamic subset is applied live: reasoning step budget, importance threshold,
// search defaults, and log level. Everything else requires a restart and is
// logged as ignored when it changes on disk.
type Watcher struct {
	mu      sync.Mutex
	watcher *fsnotify.Watcher
	log     *zap.Logger
	path    string
	base    string
	apply   func(*Config)
	current *Config
	pending time.Time
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher builds a watcher over path. current is the configuration the
// process booted with; apply receives the merged configuration after every
// accepted reload.
func NewWatcher(path string, current *Config, apply func(*Config), log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	snapshot := *current
	return &Watcher{
		watcher: fw,
		log:     log.Named("config"),
		path:    path,
		base:    filepath.Base(path),
		apply:   apply,
		current: &snapshot,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the directory holding the config file. Watching the
// directory rather than the file keeps the watch alive across editors that
// save through a temp-file rename. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	w.log.Info("watching configuration", zap.String("path", w.path))

	go w.run(ctx)
	return nil
}

// Stop halts the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Warn("failed to close config watcher", zap.Error(err))
	}
}

// Current returns the configuration as of the last accepted reload.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	sweep := time.NewTicker(debounceSweep)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", zap.Error(err))

		case <-sweep.C:
			w.maybeReload()
		}
	}
}

// handleEvent records a settle deadline for events touching the config file.
// Create and Rename count as much as Write because editors replace the file
// rather than rewrite it; Chmod and Remove are noise.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.base {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) maybeReload() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < debounceSettle {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	w.reload()
}

// reload re-reads the file and applies the dynamic subset. A missing or
// invalid file keeps the current settings; a reload never degrades a running
// service.
func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.log.Warn("config file unreadable, keeping current settings",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	loaded, err := Load(w.path)
	if err != nil {
		w.log.Warn("config reload failed, keeping current settings", zap.Error(err))
		return
	}
	warnings, err := loaded.Validate()
	if err != nil {
		w.log.Warn("reloaded config invalid, keeping current settings", zap.Error(err))
		return
	}
	for _, warning := range warnings {
		w.log.Warn("config warning", zap.String("warning", warning))
	}

	w.mu.Lock()
	sections := w.staticChanges(loaded)

	merged := *w.current
	merged.Agent.MaxReasoningSteps = loaded.Agent.MaxReasoningSteps
	merged.Agent.ImportanceThreshold = loaded.Agent.ImportanceThreshold
	merged.Search.DefaultLimit = loaded.Search.DefaultLimit
	merged.Search.SimilarityThreshold = loaded.Search.SimilarityThreshold
	merged.Logging.Level = loaded.Logging.Level

	changed := merged != *w.current
	if changed {
		w.current = &merged
	}
	w.mu.Unlock()

	if len(sections) > 0 {
		w.log.Warn("static configuration changed, restart to apply",
			zap.Strings("sections", sections))
	}
	if !changed {
		return
	}

	w.log.Info("applying dynamic configuration",
		zap.Int("max_reasoning_steps", merged.Agent.MaxReasoningSteps),
		zap.Float64("importance_threshold", merged.Agent.ImportanceThreshold),
		zap.Int("default_limit", merged.Search.DefaultLimit),
		zap.Float64("similarity_threshold", merged.Search.SimilarityThreshold),
		zap.String("log_level", merged.Logging.Level))

	if w.apply != nil {
		w.apply(&merged)
	}
}

// staticChanges reports the sections whose restart-only fields differ from
// the running configuration. Caller holds w.mu.
func (w *Watcher) staticChanges(loaded *Config) []string {
	frozen := *loaded
	frozen.Agent.MaxReasoningSteps = w.current.Agent.MaxReasoningSteps
	frozen.Agent.ImportanceThreshold = w.current.Agent.ImportanceThreshold
	frozen.Search.DefaultLimit = w.current.Search.DefaultLimit
	frozen.Search.SimilarityThreshold = w.current.Search.SimilarityThreshold
	frozen.Logging.Level = w.current.Logging.Level

	var sections []string
	if frozen.Server != w.current.Server {
		sections = append(sections, "server")
	}
	if frozen.Agent != w.current.Agent {
		sections = append(sections, "agent")
	}
	if frozen.Downstream != w.current.Downstream {
		sections = append(sections, "downstream")
	}
	if frozen.Memory != w.current.Memory {
		sections = append(sections, "memory")
	}
	if frozen.Search != w.current.Search {
		sections = append(sections, "search")
	}
	if frozen.Cache != w.current.Cache {
		sections = append(sections, "cache")
	}
	if frozen.Local != w.current.Local {
		sections = append(sections, "local")
	}
	if frozen.Logging != w.current.Logging {
		sections = append(sections, "logging")
	}
	return sections
}
