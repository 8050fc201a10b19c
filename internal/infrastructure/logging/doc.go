// Package logging provides structured logging for CellScanner.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across both processes.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig in cellscanner.yaml:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// The worker always logs in text format: its stdout and stderr are
// captured line by line by the supervisor and turned into events.
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "cellscanner", "1.0.0")
//	logger.Info("worker started", "pid", pid)
//	logger.Error("worker exited", "error", err)
//
// Never log the MQTT password or the InfluxDB token.
package logging
