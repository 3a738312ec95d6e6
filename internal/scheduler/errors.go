package scheduler

import "errors"

var (
	// ErrEndTimeReached signals the configured end time passed; the run
	// loop returns it so the process can shut down cleanly.
	ErrEndTimeReached = errors.New("scheduler: end time reached")

	// ErrSunTimer is returned when resetting a sun-pegged timer, whose
	// due time comes from geometry rather than an interval.
	ErrSunTimer = errors.New("scheduler: cannot reset a sun timer")

	// ErrNoSun is returned when a sun timer is requested but no
	// location is configured yet.
	ErrNoSun = errors.New("scheduler: no sun location configured")

	// ErrUnknownHandle is returned by Reset for handles with no running
	// timer.
	ErrUnknownHandle = errors.New("scheduler: no running timer for handle")

	// ErrInvalidTimeSpec is returned when a time string does not match
	// the accepted grammar.
	ErrInvalidTimeSpec = errors.New("scheduler: invalid time specification")
)
