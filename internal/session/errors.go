package session

import (
	"errors"

	"github.com/trainhub/portal/pkg/apiclient"
)

// Start preconditions and transport failures, shared with the API client so errors.Is works
// across the boundary.
var (
	ErrAlreadyCompleted = apiclient.ErrAlreadyCompleted
	ErrNotYetAvailable  = apiclient.ErrNotYetAvailable
	ErrExpired          = apiclient.ErrExpired
	ErrTransient        = apiclient.ErrTransient
)

var (
	// ErrAlreadyFinalized is returned by every mutator once finalization has begun.
	ErrAlreadyFinalized = errors.New("attempt already finalized")
	ErrOutOfRange       = errors.New("index out of range")
	ErrNotStarted       = errors.New("no attempt started")
	ErrInvalidPayload   = errors.New("invalid start payload")
	// ErrFinalizePending is returned by Start while the previous attempt is still being submitted.
	ErrFinalizePending = errors.New("previous attempt is still being finalized")
	// ErrFinalizeBlocked means a timeout finalize keeps failing; the attempt stays locked.
	ErrFinalizeBlocked = errors.New("finalize blocked: server unreachable")
	// ErrInconsistent is a logic error such as an acknowledgement for a different attempt.
	ErrInconsistent = errors.New("inconsistent finalize acknowledgement")
)

// IsIgnorable reports whether a UI layer may silently drop err (late input after finalize).
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrAlreadyFinalized)
}
