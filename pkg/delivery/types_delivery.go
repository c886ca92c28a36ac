// Package delivery contains the public domain models, interfaces, and errors
// for the delivery service. It defines the contract between the real-time
// core and its collaborators (transport, persistence, authorization).
package delivery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ConnectionID identifies one live push channel. It is opaque and unique per
// physical connection.
type ConnectionID string

// Identity is the stable, opaque identifier of an authenticated principal.
// The empty Identity means "not yet authenticated".
type Identity string

const (
	userGroupPrefix   = "user:"
	threadGroupPrefix = "thread:"
)

// UserGroup returns the implicit per-identity broadcast group.
func UserGroup(identity Identity) string {
	return userGroupPrefix + string(identity)
}

// ThreadGroup returns the broadcast group for a conversation thread.
func ThreadGroup(threadID string) string {
	return threadGroupPrefix + threadID
}

// IsUserGroup reports whether group is a per-identity group and, if so,
// which identity owns it.
func IsUserGroup(group string) (Identity, bool) {
	if !strings.HasPrefix(group, userGroupPrefix) {
		return "", false
	}
	return Identity(strings.TrimPrefix(group, userGroupPrefix)), true
}

// ChatMessage is a caller's request to post a message into a thread.
type ChatMessage struct {
	ThreadID        string   `json:"threadId"`
	SenderID        Identity `json:"senderId"`
	Text            string   `json:"text"`
	IsInternalNote  bool     `json:"isInternalNote,omitempty"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
}

// PersistedMessage is the durable record of a chat message, including the
// server-assigned ID and timestamp. It is immutable once returned.
type PersistedMessage struct {
	ID              string    `json:"id" db:"id" firestore:"id"`
	ThreadID        string    `json:"threadId" db:"thread_id" firestore:"thread_id"`
	SenderID        Identity  `json:"senderId" db:"sender_id" firestore:"sender_id"`
	Text            string    `json:"text" db:"body" firestore:"text"`
	IsInternalNote  bool      `json:"isInternalNote" db:"is_internal_note" firestore:"is_internal_note"`
	ClientMessageID string    `json:"clientMessageId,omitempty" db:"client_message_id" firestore:"client_message_id"`
	CreatedAt       time.Time `json:"createdAt" db:"created_at" firestore:"created_at"`
}

// Notification is a caller's request to notify an identity. SenderID is
// empty for system notifications.
type Notification struct {
	SenderID        Identity          `json:"senderId,omitempty"`
	Type            string            `json:"type"`
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Data            map[string]string `json:"data,omitempty"`
	ClientMessageID string            `json:"clientMessageId,omitempty"`
}

// PersistedNotification is the durable record of a notification.
type PersistedNotification struct {
	ID              string            `json:"id" firestore:"id"`
	Recipient       Identity          `json:"recipient" firestore:"recipient"`
	SenderID        Identity          `json:"senderId,omitempty" firestore:"sender_id"`
	Type            string            `json:"type" firestore:"type"`
	Title           string            `json:"title" firestore:"title"`
	Body            string            `json:"body" firestore:"body"`
	Data            map[string]string `json:"data,omitempty" firestore:"data"`
	ClientMessageID string            `json:"clientMessageId,omitempty" firestore:"client_message_id"`
	CreatedAt       time.Time         `json:"createdAt" firestore:"created_at"`
}

// EnvelopeType discriminates the payload carried by an Envelope.
type EnvelopeType string

const (
	EnvelopeMessage      EnvelopeType = "message"
	EnvelopeNotification EnvelopeType = "notification"
	EnvelopeJoined       EnvelopeType = "joined"
	EnvelopeLeft         EnvelopeType = "left"
	EnvelopeError        EnvelopeType = "error"
)

// Envelope is the frame pushed to a client over its live connection.
type Envelope struct {
	Type  EnvelopeType    `json:"type"`
	Group string          `json:"group,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope frame ready to be pushed.
func NewEnvelope(kind EnvelopeType, group string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Group: group, Data: raw})
}

// ConnectionInfo holds details about an identity's real-time presence.
// This is stored in the presence cache.
type ConnectionInfo struct {
	ServerInstanceID string `json:"serverInstanceId"`
	Connections      int    `json:"connections"`
	ConnectedAt      int64  `json:"connectedAt"`
}

// RequestKind selects which pipeline operation a DeliveryRequest invokes.
type RequestKind string

const (
	KindChat         RequestKind = "chat"
	KindNotification RequestKind = "notification"
)

// DeliveryRequest is the message other services publish to the ingestion
// topic to have a chat message or notification persisted and delivered.
type DeliveryRequest struct {
	Kind         RequestKind   `json:"kind"`
	Recipient    Identity      `json:"recipient,omitempty"`
	Message      *ChatMessage  `json:"message,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Validate reports whether the request carries what its kind needs.
func (r DeliveryRequest) Validate() error {
	switch r.Kind {
	case KindChat:
		if r.Message == nil || r.Message.ThreadID == "" || r.Message.SenderID == "" {
			return fmt.Errorf("%w: chat request needs a message with threadId and senderId", ErrInvalidRequest)
		}
	case KindNotification:
		if r.Notification == nil || r.Recipient == "" {
			return fmt.Errorf("%w: notification request needs a recipient and a notification", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}
