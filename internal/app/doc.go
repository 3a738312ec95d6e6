// Package app hosts user automation apps.
//
// An app is a Go value implementing App, built by a factory registered
// under its class name. The manager scans YAML config files for app
// definitions, resolves their dependency graph into a deterministic
// topological order, and drives create → Initialize → Terminate across
// startup, config changes and shutdown. Each live app gets an API
// value: its handle onto state, events, timers, services and
// sequences.
package app
