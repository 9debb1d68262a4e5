package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrStreamNotFound      = fmt.Errorf("stream %w", ErrNotFound)
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrSessionNotFound     = fmt.Errorf("session %w", ErrNotFound)
	ErrAccessDenied        = errors.New("access denied")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrMalformedDocument   = errors.New("malformed document")
	ErrCredential          = errors.New("credential minting failed")
	ErrTransport           = errors.New("media transport failure")
	ErrPartialSync         = errors.New("partial sync failure")
	ErrAlreadySharing      = errors.New("screen share already active")
	ErrAlreadyBroadcasting = errors.New("stream already has a broadcaster")
	ErrStreamInactive      = errors.New("stream is not live")
	ErrReconcileInProgress = errors.New("reconcile already in progress")
	ErrAlreadyExists       = errors.New("already exists")
)

// CredentialError wraps a minting failure so both ErrCredential and the cause match errors.Is.
func CredentialError(err error) error {
	return fmt.Errorf("%w: %w", ErrCredential, err)
}

// TransportError wraps a media session failure.
func TransportError(err error) error {
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

// PartialSyncError is returned by SyncReport.Err when some per-item writes failed.
type PartialSyncError struct {
	Failed []ItemResult
}

func (e *PartialSyncError) Error() string {
	return fmt.Sprintf("%s: %d item(s) failed", ErrPartialSync, len(e.Failed))
}

func (e *PartialSyncError) Unwrap() error {
	return ErrPartialSync
}
