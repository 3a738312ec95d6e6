// Package sequence runs scripted step lists: sleeps, state waits,
// service calls and loops. Named sequences are visible as
// sequence.<name> entities in the rules namespace, flipping
// idle→active→idle around each run; anonymous sequences get an
// ephemeral entity that is removed when the run ends.
package sequence
