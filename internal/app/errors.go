package app

import "errors"

var (
	// ErrUnknownClass means an app config names a class no factory was
	// registered for.
	ErrUnknownClass = errors.New("unknown app class")

	// ErrUnknownApp means the named app is not loaded.
	ErrUnknownApp = errors.New("unknown app")

	// ErrCycle marks apps excluded because their dependency graph
	// contains a cycle or a missing dependency.
	ErrCycle = errors.New("dependency cycle")
)
