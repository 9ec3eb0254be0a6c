package shared

import "errors"

var (
	// ErrValidation indicates malformed or contradictory input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown id within the tenant.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientAvailability indicates the requested quantity exceeds availability.
	ErrInsufficientAvailability = errors.New("insufficient availability")
	// ErrInvalidState indicates an illegal state transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrLockContention indicates a fail-fast lock was not immediately available.
	ErrLockContention = errors.New("lock not available")
)
