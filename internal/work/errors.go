package work

import "errors"

var (
	// ErrConflict means an active session already exists for the issue.
	ErrConflict = errors.New("work already active for issue")
	// ErrNotFound means no session matches the given id.
	ErrNotFound = errors.New("work session not found")
	// ErrValidation means the request carried invalid input.
	ErrValidation = errors.New("invalid request")
)
