package plugin

import "errors"

var (
	// ErrUnknownPlugin is returned when a name resolves to no
	// registered plugin.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrNotConnected is returned for operations that need a live
	// upstream connection.
	ErrNotConnected = errors.New("plugin not connected")

	// ErrMissingLocation is returned when neither configuration nor any
	// plugin's metadata supplies latitude, longitude and timezone.
	ErrMissingLocation = errors.New("no location available from config or plugin metadata")
)
