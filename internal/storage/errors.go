package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an optimistic check fails because another
	// writer got there first.
	ErrConflict = errors.New("storage: concurrent update")
)
