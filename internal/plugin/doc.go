// Package plugin connects upstream systems to the dispatch core.
//
// A Plugin owns a namespace: it mirrors upstream entities into the
// state store, forwards upstream events, and carries service calls and
// fired events back out. The Manager runs the startup protocol for
// every configured plugin (connect with backoff, fetch metadata and
// complete state, announce plugin_started) and periodically re-fetches
// complete state to recover from missed deltas.
package plugin
