package integration

import (
	"garagecover/internal/clock"

	"go.uber.org/zap"
)

// Context provides dependencies to integrations during construction.
type Context struct {
	// Logger is a structured logger for the integration to use.
	// Integrations should use logger.Named(domain) for namespacing.
	Logger *zap.Logger

	// Clock drives timers. Tests pass a MockClock.
	Clock clock.Clock

	// ReadOnly indicates whether the host is in read-only mode.
	// When true, integrations log the commands they would send to the
	// vendor cloud but do not send them.
	ReadOnly bool

	// ConfigDir is the path to the configuration directory.
	ConfigDir string
}

// NewContext creates a new integration context.
func NewContext(logger *zap.Logger, clk clock.Clock, readOnly bool, configDir string) *Context {
	return &Context{
		Logger:    logger,
		Clock:     clk,
		ReadOnly:  readOnly,
		ConfigDir: configDir,
	}
}
