// Package config provides 12-factor configuration for the IPC daemon.
//
// Values resolve in three layers: built-in defaults, then an optional YAML
// file named by HELIOS_CONFIG, then HELIOS_-prefixed environment variables.
// Later layers win.
//
// Configuration Sections:
//   - Server: introspection HTTP server settings (port, host)
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting for the introspection server
//   - Events: event bus subscriber buffering
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Introspection server on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - HELIOS_CONFIG (path to YAML overlay)
//   - HELIOS_PORT, HELIOS_HOST
//   - HELIOS_LOG_LEVEL, HELIOS_LOG_DEV
//   - HELIOS_RATE_LIMIT_RPS, HELIOS_RATE_LIMIT_BURST, HELIOS_RATE_LIMIT_ENABLED
//   - HELIOS_EVENT_BUFFER
package config
