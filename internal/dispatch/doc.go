// Package dispatch is the event pipeline: every state change, fired
// event, log line and timer expiry flows through a single dispatcher
// goroutine that matches it against the callback registry, applies the
// per-callback constraint chain, and hands matching invocations to the
// worker pool.
//
// Events fired while a dispatch is in progress are queued, never
// recursed, so an app firing events from its own callback cannot
// starve the pipeline or observe out-of-order delivery.
package dispatch
