// Package callback holds the registry of state, event, log and
// scheduler callback records.
//
// Records are bucketed by owning app and addressed by uuid handles. A
// record is live exactly while its owner's current instance id matches
// the id captured at registration; anything else is stale and is
// discarded at the last check before invocation. Cancellation is
// idempotent: unknown handles warn and carry on.
package callback
