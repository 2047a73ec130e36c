// Package logging provides structured logging for Factory Guard Core.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same default fields (service, version) and level filtering.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	authLog := logger.With("component", "auth")
//	authLog.Warn("role persistence failed", "user_id", id, "error", err)
//
// # Security
//
// Never log token strings, key material, or invitation codes.
// Log token IDs and key IDs instead.
package logging
