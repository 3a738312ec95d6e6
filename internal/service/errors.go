package service

import "errors"

var (
	// ErrNotFound is returned when a call names an unregistered
	// (namespace, domain, service) triple.
	ErrNotFound = errors.New("service: not registered")

	// ErrInvalidService is returned when a registration is missing its
	// domain, service name or handler.
	ErrInvalidService = errors.New("service: invalid registration")
)
