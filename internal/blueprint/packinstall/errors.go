package packinstall

import (
	"fmt"

	"github.com/google/uuid"
)

// ErrPackNotFound mirrors PackNotFoundError.
type ErrPackNotFound struct{ PackRef string }

func (e *ErrPackNotFound) Error() string { return fmt.Sprintf("pack not found: %s", e.PackRef) }

// ErrAlreadyInstalled mirrors PackAlreadyInstalledError.
type ErrAlreadyInstalled struct {
	PackRef          string
	EnvID            string
	InstallationID   uuid.UUID
	InstalledByRunID *uuid.UUID
}

func (e *ErrAlreadyInstalled) Error() string {
	return fmt.Sprintf("pack %q is already installed in environment %q", e.PackRef, e.EnvID)
}

// ErrInProgress mirrors PackInstallationInProgressError, raised both
// when the database row shows INSTALLING and when the advisory lock
// itself is unavailable.
type ErrInProgress struct {
	PackRef        string
	EnvID          string
	InstallationID *uuid.UUID
}

func (e *ErrInProgress) Error() string {
	return fmt.Sprintf("pack %q installation is already in progress in environment %q", e.PackRef, e.EnvID)
}

// ErrPreviouslyFailed mirrors PackInstallationFailedError.
type ErrPreviouslyFailed struct {
	PackRef        string
	EnvID          string
	InstallationID uuid.UUID
}

func (e *ErrPreviouslyFailed) Error() string {
	return fmt.Sprintf("pack %q installation previously failed in environment %q; retry or cleanup required", e.PackRef, e.EnvID)
}

// ErrInvariant mirrors PackInstallationInvariantError.
type ErrInvariant struct {
	Field   string
	Message string
}

func (e *ErrInvariant) Error() string { return e.Message }

// ErrConflict mirrors PackInstallationConflictError.
type ErrConflict struct {
	Message        string
	ExpectedRunID  uuid.UUID
	ActualRunID    *uuid.UUID
}

func (e *ErrConflict) Error() string { return e.Message }
