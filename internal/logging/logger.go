// Package logging builds the zap logger shared by every pipeline stage.
// Stages attach their own fields (stage, platform) rather than holding
// separate loggers.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns the process logger. Verbose enables debug-level output.
// The encoder is console-style because the primary consumer is a human
// watching a release run; automation reads the structured summary instead.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// NewNop returns a no-op logger for tests and dry runs.
func NewNop() *zap.Logger { return zap.NewNop() }
