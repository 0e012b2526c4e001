// Package logging builds the per-component loggers used across specgo.
//
// Each core subsystem that can fail in a way a caller never observes
// directly (connection, dispatch, channel) asks for a child logger
// labelled with its own name via Named, mirroring how a single base
// logger is fanned out per subsystem in larger Go services. registry is
// deliberately excluded: it is generic over T and holds no subsystem
// identity of its own to label a logger with.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once sync.Once
	base *zap.Logger
)

// Base returns the process-wide base logger, building it lazily on first use.
func Base() *zap.Logger {
	once.Do(func() {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// SetBase overrides the base logger, e.g. to install a silent or test logger.
func SetBase(l *zap.Logger) {
	base = l
	once.Do(func() {}) // mark once as fired so Base() won't rebuild
}

// Named returns a child of the base logger tagged with component=name.
func Named(name string) *zap.Logger {
	return Base().With(zap.String("component", name))
}
