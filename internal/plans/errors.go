package plans

import "errors"

// Stable error taxonomy surfaced to callers. Guard and validation failures
// are synchronous and never retried by the core.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrArchived          = errors.New("plan is archived")
)
