package delivery

import "context"

// Pusher is the outbound side of the transport layer. Push must report
// failure per call; Close tears down the physical channel after the core has
// given up on it.
type Pusher interface {
	Push(ctx context.Context, connID ConnectionID, payload []byte) error
	Close(connID ConnectionID)
}

// MessageStore is the persistence collaborator. Every method returns the
// durable record including server-assigned identifiers.
type MessageStore interface {
	// PersistMessage stores a chat message. When msg.ClientMessageID is set
	// and already taken, implementations return ErrDuplicateMessage and
	// write nothing.
	PersistMessage(ctx context.Context, msg ChatMessage) (PersistedMessage, error)

	// FindByClientMessageID returns the message previously stored with the
	// given client message ID. found is false when none exists.
	FindByClientMessageID(ctx context.Context, clientMessageID string) (msg PersistedMessage, found bool, err error)

	// PersistNotification stores a notification for recipient.
	PersistNotification(ctx context.Context, recipient Identity, n Notification) (PersistedNotification, error)

	// FindNotificationByClientMessageID is the notification counterpart of
	// FindByClientMessageID.
	FindNotificationByClientMessageID(ctx context.Context, clientMessageID string) (n PersistedNotification, found bool, err error)

	// ListThreadMessages returns up to limit messages of a thread, oldest
	// first, created strictly after the given cursor message ID (empty for
	// the start of the thread).
	ListThreadMessages(ctx context.Context, threadID string, after string, limit int) ([]PersistedMessage, error)
}

// History page sizes. A non-positive limit means DefaultHistoryLimit and
// anything above MaxHistoryLimit is clamped to it.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// ThreadAuthorizer is the authorization collaborator.
type ThreadAuthorizer interface {
	IsThreadMember(ctx context.Context, identity Identity, threadID string) (bool, error)
}

// PresenceCache records which identities currently hold live connections.
type PresenceCache interface {
	Set(ctx context.Context, identity Identity, info ConnectionInfo) error
	Fetch(ctx context.Context, identity Identity) (ConnectionInfo, error)
	Delete(ctx context.Context, identity Identity) error
}
