// Package logging provides a minimal logging interface and adapters for coralmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that sessions, the orchestrator and the federation layer use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - MeshLogger, a slog backed logger with a component attribute
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	srv := coralmesh.New(func(o *coralmesh.Options) { o.Logger = logger.WithComponent("server") })
package logging
