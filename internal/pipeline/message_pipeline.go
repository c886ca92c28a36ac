// Package pipeline implements persist-then-broadcast delivery of chat
// messages and notifications, and the Pub/Sub ingestion stages feeding it.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// Broadcaster fans a payload out to a group. *realtime.GroupRouter
// satisfies it.
type Broadcaster interface {
	Send(ctx context.Context, group string, payload []byte) int
}

// MessagePipeline makes every message durable before any connection can
// observe it. Once persisted, delivery is best effort.
type MessagePipeline struct {
	store       delivery.MessageStore
	authorizer  delivery.ThreadAuthorizer
	broadcaster Broadcaster
	metrics     *metrics.Collectors
	logger      zerolog.Logger

	// inflight collapses concurrent deliveries of the same request. Keys
	// carry the owner as well as the client message ID, so only callers
	// that would be handed the same record share a result.
	inflight singleflight.Group
}

// NewMessagePipeline creates a pipeline. collectors may be nil.
func NewMessagePipeline(
	store delivery.MessageStore,
	authorizer delivery.ThreadAuthorizer,
	broadcaster Broadcaster,
	collectors *metrics.Collectors,
	logger zerolog.Logger,
) *MessagePipeline {
	return &MessagePipeline{
		store:       store,
		authorizer:  authorizer,
		broadcaster: broadcaster,
		metrics:     collectors,
		logger:      logger.With().Str("component", "MessagePipeline").Logger(),
	}
}

// DeliverChatMessage checks thread membership, persists msg and broadcasts
// it to the thread group. A repeated ClientMessageID returns the record
// already stored and broadcasts nothing.
func (p *MessagePipeline) DeliverChatMessage(ctx context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error) {
	if msg.ThreadID == "" || msg.SenderID == "" {
		return delivery.PersistedMessage{}, fmt.Errorf("%w: threadId and senderId are required", delivery.ErrInvalidRequest)
	}
	if err := p.checkMember(ctx, msg.SenderID, msg.ThreadID); err != nil {
		p.observe(delivery.KindChat, "rejected")
		return delivery.PersistedMessage{}, err
	}

	if msg.ClientMessageID == "" {
		return p.persistAndBroadcastMessage(ctx, msg)
	}

	key := "chat:" + msg.ClientMessageID + "\x00" + string(msg.SenderID) + "\x00" + msg.ThreadID
	v, err, shared := p.inflight.Do(key, func() (any, error) {
		existing, found, err := p.store.FindByClientMessageID(ctx, msg.ClientMessageID)
		if err != nil {
			p.observe(delivery.KindChat, "persist_failed")
			return delivery.PersistedMessage{}, fmt.Errorf("%w: lookup by client message id: %w", delivery.ErrPersistenceFailed, err)
		}
		if found {
			return p.resolveDuplicateMessage(msg, existing)
		}
		return p.persistAndBroadcastMessage(ctx, msg)
	})
	if err != nil {
		return delivery.PersistedMessage{}, err
	}
	persisted, _ := v.(delivery.PersistedMessage)
	if shared && (persisted.SenderID != msg.SenderID || persisted.ThreadID != msg.ThreadID) {
		return p.resolveDuplicateMessage(msg, persisted)
	}
	return persisted, nil
}

func (p *MessagePipeline) persistAndBroadcastMessage(ctx context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error) {
	persisted, err := p.store.PersistMessage(ctx, msg)
	if errors.Is(err, delivery.ErrDuplicateMessage) && msg.ClientMessageID != "" {
		existing, found, findErr := p.store.FindByClientMessageID(ctx, msg.ClientMessageID)
		if findErr == nil && found {
			return p.resolveDuplicateMessage(msg, existing)
		}
	}
	if err != nil {
		p.observe(delivery.KindChat, "persist_failed")
		p.logger.Error().Err(err).Str("thread_id", msg.ThreadID).Msg("Failed to persist chat message.")
		return delivery.PersistedMessage{}, fmt.Errorf("%w: %w", delivery.ErrPersistenceFailed, err)
	}

	group := delivery.ThreadGroup(persisted.ThreadID)
	delivered := p.broadcast(ctx, delivery.EnvelopeMessage, group, persisted)
	p.observe(delivery.KindChat, "delivered")
	p.logger.Debug().
		Str("message_id", persisted.ID).
		Str("thread_id", persisted.ThreadID).
		Int("delivered", delivered).
		Msg("Chat message delivered.")
	return persisted, nil
}

func (p *MessagePipeline) resolveDuplicateMessage(msg delivery.ChatMessage, existing delivery.PersistedMessage) (delivery.PersistedMessage, error) {
	if existing.SenderID != msg.SenderID || existing.ThreadID != msg.ThreadID {
		p.observe(delivery.KindChat, "rejected")
		return delivery.PersistedMessage{}, fmt.Errorf("chat %s: %w", msg.ClientMessageID, delivery.ErrClientIDConflict)
	}
	p.observe(delivery.KindChat, "duplicate")
	p.logger.Debug().Str("client_message_id", msg.ClientMessageID).Msg("Duplicate chat message, returning stored record.")
	return existing, nil
}

// DeliverNotification persists n for identity and broadcasts it to every
// live connection of that identity.
func (p *MessagePipeline) DeliverNotification(ctx context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error) {
	if identity == "" {
		return delivery.PersistedNotification{}, fmt.Errorf("%w: recipient is required", delivery.ErrInvalidRequest)
	}
	if n.ClientMessageID == "" {
		return p.persistAndBroadcastNotification(ctx, identity, n)
	}

	key := "notification:" + n.ClientMessageID + "\x00" + string(identity)
	v, err, shared := p.inflight.Do(key, func() (any, error) {
		existing, found, err := p.store.FindNotificationByClientMessageID(ctx, n.ClientMessageID)
		if err != nil {
			p.observe(delivery.KindNotification, "persist_failed")
			return delivery.PersistedNotification{}, fmt.Errorf("%w: lookup by client message id: %w", delivery.ErrPersistenceFailed, err)
		}
		if found {
			return p.resolveDuplicateNotification(identity, n, existing)
		}
		return p.persistAndBroadcastNotification(ctx, identity, n)
	})
	if err != nil {
		return delivery.PersistedNotification{}, err
	}
	persisted, _ := v.(delivery.PersistedNotification)
	if shared && persisted.Recipient != identity {
		return p.resolveDuplicateNotification(identity, n, persisted)
	}
	return persisted, nil
}

func (p *MessagePipeline) persistAndBroadcastNotification(ctx context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error) {
	persisted, err := p.store.PersistNotification(ctx, identity, n)
	if errors.Is(err, delivery.ErrDuplicateMessage) && n.ClientMessageID != "" {
		existing, found, findErr := p.store.FindNotificationByClientMessageID(ctx, n.ClientMessageID)
		if findErr == nil && found {
			return p.resolveDuplicateNotification(identity, n, existing)
		}
	}
	if err != nil {
		p.observe(delivery.KindNotification, "persist_failed")
		p.logger.Error().Err(err).Str("recipient", string(identity)).Msg("Failed to persist notification.")
		return delivery.PersistedNotification{}, fmt.Errorf("%w: %w", delivery.ErrPersistenceFailed, err)
	}

	delivered := p.broadcast(ctx, delivery.EnvelopeNotification, delivery.UserGroup(identity), persisted)
	p.observe(delivery.KindNotification, "delivered")
	p.logger.Debug().
		Str("notification_id", persisted.ID).
		Str("recipient", string(identity)).
		Int("delivered", delivered).
		Msg("Notification delivered.")
	return persisted, nil
}

func (p *MessagePipeline) resolveDuplicateNotification(identity delivery.Identity, n delivery.Notification, existing delivery.PersistedNotification) (delivery.PersistedNotification, error) {
	if existing.Recipient != identity {
		p.observe(delivery.KindNotification, "rejected")
		return delivery.PersistedNotification{}, fmt.Errorf("notification %s: %w", n.ClientMessageID, delivery.ErrClientIDConflict)
	}
	p.observe(delivery.KindNotification, "duplicate")
	return existing, nil
}

// History returns persisted messages of a thread for a member catching up
// after a reconnect. Messages are ordered oldest first, starting after the
// message ID in after (or from the beginning when empty).
func (p *MessagePipeline) History(ctx context.Context, identity delivery.Identity, threadID, after string, limit int) ([]delivery.PersistedMessage, error) {
	if err := p.checkMember(ctx, identity, threadID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = delivery.DefaultHistoryLimit
	case limit > delivery.MaxHistoryLimit:
		limit = delivery.MaxHistoryLimit
	}
	messages, err := p.store.ListThreadMessages(ctx, threadID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", delivery.ErrPersistenceFailed, err)
	}
	return messages, nil
}

func (p *MessagePipeline) checkMember(ctx context.Context, identity delivery.Identity, threadID string) error {
	isMember, err := p.authorizer.IsThreadMember(ctx, identity, threadID)
	if err != nil {
		return fmt.Errorf("thread membership check for %s failed: %w", threadID, err)
	}
	if !isMember {
		return fmt.Errorf("%s in thread %s: %w", identity, threadID, delivery.ErrNotThreadMember)
	}
	return nil
}

// broadcast encodes record into an envelope and sends it. An encoding
// failure is logged; the record stays durable.
func (p *MessagePipeline) broadcast(ctx context.Context, kind delivery.EnvelopeType, group string, record any) int {
	payload, err := delivery.NewEnvelope(kind, group, record)
	if err != nil {
		p.logger.Error().Err(err).Str("group", group).Msg("Failed to encode envelope.")
		return 0
	}
	return p.broadcaster.Send(ctx, group, payload)
}

func (p *MessagePipeline) observe(kind delivery.RequestKind, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Deliveries.WithLabelValues(string(kind), outcome).Inc()
}
