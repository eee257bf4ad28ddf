package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestWatcher builds a watcher whose apply callback records the merged
// config. The underlying fsnotify handle is closed on cleanup even when the
// test never calls Start.
func newTestWatcher(t *testing.T, path string, boot *Config) (*Watcher, *appliedCapture) {
	t.Helper()
	capture := &appliedCapture{ch: make(chan *Config, 1)}
	w, err := NewWatcher(path, boot, capture.apply, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.watcher.Close() })
	return w, capture
}

type appliedCapture struct {
	ch chan *Config
}

func (c *appliedCapture) apply(cfg *Config) {
	select {
	case c.ch <- cfg:
	default:
	}
}

// last returns the most recent applied config without blocking, nil when the
// callback never fired.
func (c *appliedCapture) last() *Config {
	select {
	case cfg := <-c.ch:
		return cfg
	default:
		return nil
	}
}

func (c *appliedCapture) wait(t *testing.T) *Config {
	t.Helper()
	select {
	case cfg := <-c.ch:
		return cfg
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never applied")
		return nil
	}
}

func TestWatcherReloadAppliesDynamicFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	boot := DefaultConfig()

	next := DefaultConfig()
	next.Agent.ImportanceThreshold = 8.0
	next.Agent.MaxReasoningSteps = 12
	next.Search.DefaultLimit = 25
	next.Logging.Level = "debug"
	next.Server.Port = 9999 // static, must not propagate
	require.NoError(t, next.Save(path))

	w, capture := newTestWatcher(t, path, boot)
	w.reload()

	got := capture.last()
	require.NotNil(t, got)
	assert.InDelta(t, 8.0, got.Agent.ImportanceThreshold, 1e-9)
	assert.Equal(t, 12, got.Agent.MaxReasoningSteps)
	assert.Equal(t, 25, got.Search.DefaultLimit)
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, 8094, got.Server.Port)

	assert.Same(t, got, w.Current())
}

func TestWatcherReloadKeepsCurrentOnMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent: [unclosed"), 0644))

	w, capture := newTestWatcher(t, path, DefaultConfig())
	w.reload()

	assert.Nil(t, capture.last())
	assert.InDelta(t, 6.0, w.Current().Agent.ImportanceThreshold, 1e-9)
}

func TestWatcherReloadKeepsCurrentOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	bad := DefaultConfig()
	bad.Agent.Type = "wat"
	require.NoError(t, bad.Save(path))

	w, capture := newTestWatcher(t, path, DefaultConfig())
	w.reload()

	assert.Nil(t, capture.last())
	assert.Equal(t, "react", w.Current().Agent.Type)
}

func TestWatcherReloadSkipsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	w, capture := newTestWatcher(t, path, DefaultConfig())
	w.reload()

	assert.Nil(t, capture.last())
}

func TestWatcherReloadSkipsUnchangedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	boot := DefaultConfig()
	require.NoError(t, boot.Save(path))

	w, capture := newTestWatcher(t, path, boot)
	w.reload()

	assert.Nil(t, capture.last())
}

func TestWatcherStaticChanges(t *testing.T) {
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "config.yaml"), DefaultConfig())

	loaded := DefaultConfig()
	loaded.Server.Port = 9000
	loaded.Memory.Collection = "other"
	loaded.Agent.ImportanceThreshold = 9.0 // dynamic, must not count

	assert.Equal(t, []string{"server", "memory"}, w.staticChanges(loaded))
	assert.Empty(t, w.staticChanges(DefaultConfig()))
}

func TestWatcherStartFailsOnMissingDirectory(t *testing.T) {
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "absent", "config.yaml"), DefaultConfig())

	err := w.Start(context.Background())
	assert.Error(t, err)
	// A failed start leaves the watcher stoppable without hanging.
	w.Stop()
}

func TestWatcherStopBeforeStart(t *testing.T) {
	w, _ := newTestWatcher(t, filepath.Join(t.TempDir(), "config.yaml"), DefaultConfig())
	w.Stop()
}

func TestWatcherLiveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	boot := DefaultConfig()
	require.NoError(t, boot.Save(path))

	w, capture := newTestWatcher(t, path, boot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	next := DefaultConfig()
	next.Search.DefaultLimit = 42
	require.NoError(t, next.Save(path))

	got := capture.wait(t)
	assert.Equal(t, 42, got.Search.DefaultLimit)
}
