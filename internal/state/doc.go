// Package state holds the namespaced entity registry.
//
// Every entity lives in exactly one namespace and carries a state
// value, an attribute map and a last-changed timestamp. All reads
// return deep copies so holders of a returned value can never mutate
// registry internals. Writes that change nothing are suppressed: no
// notification fires and nothing is persisted.
//
// Namespaces choose a persistence mode: safe writes through to SQLite
// on every change, hybrid marks the namespace dirty for the
// supervisor's periodic flush, and the default keeps everything in
// memory. The admin and rules namespaces always exist and are owned by
// the runtime.
package state
