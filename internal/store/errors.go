package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrLeaseHeld         = errors.New("lease held by another owner")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("conflicting in-flight record")
)
