package model

import "errors"

var (
	// ErrInvalidStateTransition is returned when a status change is not
	// permitted from the current status. Never retried.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrMalformedInput marks events or artifacts that violate their schema.
	// Logged and counted, never retried.
	ErrMalformedInput = errors.New("malformed input")
)
