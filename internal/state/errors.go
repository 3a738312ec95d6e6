package state

import "errors"

var (
	// ErrNamespaceNotFound is returned when an operation targets a
	// namespace the store does not hold.
	ErrNamespaceNotFound = errors.New("state: namespace not found")

	// ErrNamespaceExists is returned when adding a namespace whose name
	// is already registered.
	ErrNamespaceExists = errors.New("state: namespace already exists")

	// ErrNamespaceProtected is returned when removing a namespace owned
	// by a plugin or the runtime itself.
	ErrNamespaceProtected = errors.New("state: namespace is protected")

	// ErrEntityNotFound is returned when an operation requires an entity
	// that does not exist.
	ErrEntityNotFound = errors.New("state: entity not found")

	// ErrEntityExists is returned when adding an entity that is already
	// present.
	ErrEntityExists = errors.New("state: entity already exists")

	// ErrNotNumeric is returned when an arithmetic helper targets a
	// value that is not a number.
	ErrNotNumeric = errors.New("state: value is not numeric")
)
