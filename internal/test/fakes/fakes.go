// Package fakes provides in-memory implementations of the service's
// collaborators. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// --- Persistence ---

// MessageStore keeps messages and notifications in memory, enforcing the
// same client message ID uniqueness as the real stores.
type MessageStore struct {
	mu              sync.Mutex
	messages        []delivery.PersistedMessage
	messageByClient map[string]int
	notifications   []delivery.PersistedNotification
	notifByClient   map[string]int
	persistCalls    int
	failWith        error
	logger          zerolog.Logger
}

func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		messageByClient: make(map[string]int),
		notifByClient:   make(map[string]int),
		logger:          logger.With().Str("component", "FakeMessageStore").Logger(),
	}
}

// FailWith makes every persist call return err until called with nil.
func (s *MessageStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// PersistCalls reports how many persist calls reached the store.
func (s *MessageStore) PersistCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistCalls
}

func (s *MessageStore) PersistMessage(_ context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistCalls++

	if s.failWith != nil {
		return delivery.PersistedMessage{}, s.failWith
	}
	if msg.ClientMessageID != "" {
		if _, exists := s.messageByClient[msg.ClientMessageID]; exists {
			return delivery.PersistedMessage{}, delivery.ErrDuplicateMessage
		}
	}
	persisted := delivery.PersistedMessage{
		ID:              uuid.NewString(),
		ThreadID:        msg.ThreadID,
		SenderID:        msg.SenderID,
		Text:            msg.Text,
		IsInternalNote:  msg.IsInternalNote,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	s.messages = append(s.messages, persisted)
	if msg.ClientMessageID != "" {
		s.messageByClient[msg.ClientMessageID] = len(s.messages) - 1
	}
	s.logger.Debug().Str("message_id", persisted.ID).Msg("Persisted message.")
	return persisted, nil
}

func (s *MessageStore) FindByClientMessageID(_ context.Context, clientMessageID string) (delivery.PersistedMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.messageByClient[clientMessageID]
	if !ok {
		return delivery.PersistedMessage{}, false, nil
	}
	return s.messages[idx], true, nil
}

func (s *MessageStore) PersistNotification(_ context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistCalls++

	if s.failWith != nil {
		return delivery.PersistedNotification{}, s.failWith
	}
	if n.ClientMessageID != "" {
		if _, exists := s.notifByClient[n.ClientMessageID]; exists {
			return delivery.PersistedNotification{}, delivery.ErrDuplicateMessage
		}
	}
	persisted := delivery.PersistedNotification{
		ID:              uuid.NewString(),
		Recipient:       identity,
		SenderID:        n.SenderID,
		Type:            n.Type,
		Title:           n.Title,
		Body:            n.Body,
		Data:            n.Data,
		ClientMessageID: n.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	s.notifications = append(s.notifications, persisted)
	if n.ClientMessageID != "" {
		s.notifByClient[n.ClientMessageID] = len(s.notifications) - 1
	}
	return persisted, nil
}

func (s *MessageStore) FindNotificationByClientMessageID(_ context.Context, clientMessageID string) (delivery.PersistedNotification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.notifByClient[clientMessageID]
	if !ok {
		return delivery.PersistedNotification{}, false, nil
	}
	return s.notifications[idx], true, nil
}

func (s *MessageStore) ListThreadMessages(_ context.Context, threadID, after string, limit int) ([]delivery.PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.PersistedMessage, 0)
	seenCursor := after == ""
	for _, m := range s.messages {
		if m.ThreadID != threadID {
			continue
		}
		if !seenCursor {
			seenCursor = m.ID == after
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Notifications returns every stored notification for identity.
func (s *MessageStore) Notifications(identity delivery.Identity) []delivery.PersistedNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []delivery.PersistedNotification
	for _, n := range s.notifications {
		if n.Recipient == identity {
			out = append(out, n)
		}
	}
	return out
}

// --- Authorization ---

// ThreadAuthorizer answers membership from an in-memory table. With
// allowAll set every identity is a member of every thread.
type ThreadAuthorizer struct {
	mu       sync.RWMutex
	members  map[string]map[delivery.Identity]struct{}
	allowAll bool
}

func NewThreadAuthorizer(allowAll bool) *ThreadAuthorizer {
	return &ThreadAuthorizer{
		members:  make(map[string]map[delivery.Identity]struct{}),
		allowAll: allowAll,
	}
}

// AddMember grants identity membership of threadID.
func (a *ThreadAuthorizer) AddMember(threadID string, identity delivery.Identity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.members[threadID] == nil {
		a.members[threadID] = make(map[delivery.Identity]struct{})
	}
	a.members[threadID][identity] = struct{}{}
}

func (a *ThreadAuthorizer) IsThreadMember(_ context.Context, identity delivery.Identity, threadID string) (bool, error) {
	if a.allowAll {
		return true, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.members[threadID][identity]
	return ok, nil
}

// --- Presence ---

type PresenceCache struct {
	mu    sync.RWMutex
	items map[delivery.Identity]delivery.ConnectionInfo
}

func NewPresenceCache() *PresenceCache {
	return &PresenceCache{items: make(map[delivery.Identity]delivery.ConnectionInfo)}
}

func (c *PresenceCache) Set(_ context.Context, identity delivery.Identity, info delivery.ConnectionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[identity] = info
	return nil
}

func (c *PresenceCache) Fetch(_ context.Context, identity delivery.Identity) (delivery.ConnectionInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.items[identity]
	if !ok {
		return delivery.ConnectionInfo{}, fmt.Errorf("presence for %s: %w", identity, delivery.ErrNotFound)
	}
	return info, nil
}

func (c *PresenceCache) Delete(_ context.Context, identity delivery.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, identity)
	return nil
}
