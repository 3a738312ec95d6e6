// Package astro computes sunrise, sunset and solar elevation events for a
// fixed observer, using the NOAA low-accuracy solar position series.
//
// Accuracy is within roughly a minute of published almanac values, which is
// ample for scheduling automation callbacks. Polar day and night are
// handled by reporting ErrNoSunEvent for the date; Next* helpers skip
// forward until an event exists.
package astro
