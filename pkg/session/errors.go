package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionExpired means the held credentials can no longer be used and
	// the user has to sign in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrRefreshRejected means the refresh endpoint refused the refresh
	// credential itself. It matches ErrSessionExpired under errors.Is.
	ErrRefreshRejected = fmt.Errorf("refresh credential rejected: %w", ErrSessionExpired)

	// ErrNoCredentials is returned by a CredentialStore holding nothing.
	ErrNoCredentials = errors.New("no stored credentials")

	// ErrCorruptCredentials is returned when stored state cannot be decoded.
	ErrCorruptCredentials = errors.New("stored credentials are corrupt")
)
