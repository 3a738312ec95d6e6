// Package supervisor is the runtime's housekeeping tick.
//
// Once per utility_delay it checks for app config changes, polls
// plugin state refreshes, flushes hybrid namespaces, watches queue
// depth and long-running callbacks, replaces dead workers, and writes
// throughput sensors into the admin namespace (and InfluxDB when
// configured). It is the only component that diagnoses its own
// overruns.
package supervisor
