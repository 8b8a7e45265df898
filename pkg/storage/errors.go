package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a run record does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned when a run record with the given ID already exists.
	ErrConflict = errors.New("run already exists")
)
