package dispatch

import "errors"

var (
	// ErrUnknownHandle is returned when a cancel or info call names a
	// callback handle that is not registered.
	ErrUnknownHandle = errors.New("dispatch: unknown callback handle")

	// ErrNoEntity is returned when an immediate state subscription
	// names no concrete entity to read the current value from.
	ErrNoEntity = errors.New("dispatch: immediate subscription requires an entity")

	// ErrBadHandler is returned when a handler's type does not match
	// the callback kind it is registered for.
	ErrBadHandler = errors.New("dispatch: handler type does not match callback kind")
)
