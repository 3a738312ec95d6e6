// Package logging provides structured logging built on log/slog.
//
// This package manages:
//   - JSON or text output with level filtering
//   - Default fields (service name, version)
//   - Component-scoped child loggers via With()
//   - A record sink that feeds log callbacks registered by apps
//
// The sink sees every record that passes the level filter, tagged with the
// component or app attribute when one is present. It is installed once at
// startup by the dispatcher and must not block.
package logging
