package delivery

import "errors"

var (
	// ErrDuplicateConnection is returned when a connection ID is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrUnknownConnection is returned for group operations on a connection
	// that is not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrPersistenceFailed wraps any failure of the persistence collaborator.
	// Nothing is broadcast when it is returned.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrPushFailed reports that a payload could not be handed to a connection.
	ErrPushFailed = errors.New("push to connection failed")
	// ErrNotThreadMember is returned when an identity posts to or joins a
	// thread it does not belong to.
	ErrNotThreadMember = errors.New("identity is not a member of the thread")
	// ErrNotFound is returned by presence lookups for offline identities.
	ErrNotFound = errors.New("not found")
	// ErrForeignUserGroup is returned when a connection tries to join the
	// user group of an identity it does not hold.
	ErrForeignUserGroup = errors.New("cannot join another identity's user group")
	// ErrDuplicateMessage is returned by stores when a client message ID is
	// already taken. The pipeline resolves it to the existing record.
	ErrDuplicateMessage = errors.New("client message id already persisted")
	// ErrClientIDConflict is returned when a client message ID is reused by a
	// different sender or for a different target.
	ErrClientIDConflict = errors.New("client message id belongs to another message")
	// ErrInvalidRequest marks a request missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)
