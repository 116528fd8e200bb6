package evoagent

import (
	"go.uber.org/zap"
)

// ──────────────────────────────────────────────
// Logging — zap, injected SDK-style
// ──────────────────────────────────────────────

// NewLogger builds a ready-to-use zap logger for hosts that do not carry
// their own. debug selects the development config.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ensureLogger returns a nop logger for nil, so engine internals never need
// nil checks at call sites.
func ensureLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
