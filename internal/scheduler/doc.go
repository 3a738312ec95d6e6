// Package scheduler owns the ordered timer set and its single wakeup
// loop.
//
// Entries are absolute UTC due times, optionally repeating on a fixed
// interval or pegged to a sun event. The loop sleeps until the
// earliest entry (scaled by the clock's warp factor), wakes at DST
// transitions so non-sun entries can be shifted to keep their local
// wall-clock time, and fires due entries through the dispatch
// pipeline in (due, insertion) order. Inserts, cancels and resets kick
// the sleep so the loop recomputes its wakeup.
//
// The package also hosts the user-visible time-spec grammar: ISO
// dates, bare clock times, and solar expressions such as
// "sunrise + 00:30:00" or "4.5 deg setting".
package scheduler
