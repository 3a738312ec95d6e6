package sequence

import "errors"

var (
	// ErrUnknownSequence is returned when run or cancel names an
	// undefined sequence.
	ErrUnknownSequence = errors.New("sequence: unknown sequence")

	// ErrAlreadyRunning is returned when a named sequence is started
	// while a previous run is still active.
	ErrAlreadyRunning = errors.New("sequence: already running")

	// ErrInvalidStep is returned when a step definition cannot be
	// parsed.
	ErrInvalidStep = errors.New("sequence: invalid step")
)
