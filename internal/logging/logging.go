// Package logging constructs the process-wide zap logger. Grounded on
// go.uber.org/zap usage in the reference tree's platform logger
// (internal/platform/logger in the neurobridge example): a single
// constructor keyed off an environment string, threaded into components by
// construction rather than a package-level global.
package logging

import "go.uber.org/zap"

// New builds a *zap.Logger for the given environment ("production" selects
// the JSON production config; anything else, including the empty string,
// selects the human-readable development config).
func New(environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and defaults.
func Nop() *zap.Logger {
	return zap.NewNop()
}
