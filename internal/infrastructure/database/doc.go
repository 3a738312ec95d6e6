// Package database provides the SQLite connection used for namespace
// snapshot persistence.
//
// This package manages:
//   - Connection lifecycle with WAL mode and busy timeout pragmas
//   - Schema creation for the entities snapshot table
//   - Health checks
//
// The state store's persistence layer (internal/state) builds on this
// connection; this package knows nothing about namespaces' writeback modes.
package database
