// Package logging builds the process-wide logger. Subsystems receive named
// children of the root logger; level and encoding come from configuration.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs the root logger. Production (JSON) encoding by default;
// development flips to the console encoder.
func New(level string, development bool) (*zap.Logger, error) {
	logger, _, err := NewDynamic(level, development)
	return logger, err
}

// NewDynamic constructs the root logger and hands back the level so callers
// can retarget it while the process runs, typically from a config reload.
func NewDynamic(level string, development bool) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, cfg.Level, nil
}
