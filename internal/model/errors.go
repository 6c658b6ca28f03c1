package model

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrLostLease is raised by any ownership-asserting operation once the
// calling worker no longer holds a valid lease on the run. The executor
// must stop; finalization is left to whichever worker reclaims the run.
type ErrLostLease struct {
	RunID    uuid.UUID
	WorkerID string
}

func (e *ErrLostLease) Error() string {
	return fmt.Sprintf("worker %s lost lease on run %s", e.WorkerID, e.RunID)
}

// ErrLockUnavailable is raised by a fail-fast advisory lock acquisition
// that did not succeed because another session holds the lock.
type ErrLockUnavailable struct {
	Key string
}

func (e *ErrLockUnavailable) Error() string {
	return fmt.Sprintf("advisory lock unavailable: %s", e.Key)
}

// ErrInvariantViolation marks a pre-finalization check that failed, e.g.
// a required field missing before a terminal transition.
type ErrInvariantViolation struct {
	Field   string
	Message string
}

func (e *ErrInvariantViolation) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invariant violation on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invariant violation: %s", e.Message)
}

// ErrTimeout is raised by WaitRuns when the caller-supplied timeout
// elapses before the wait policy is satisfied.
type ErrTimeout struct {
	Policy string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("timeout waiting for child runs (policy=%s)", e.Policy)
}

// ErrBlueprintFailure wraps an arbitrary failure raised by a blueprint
// implementation, preserving the type name for the run's error document.
type ErrBlueprintFailure struct {
	Type    string
	Message string
}

func (e *ErrBlueprintFailure) Error() string {
	return e.Message
}

// ErrorDocument is the shape written to runs.error / steps.error.
type ErrorDocument struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
