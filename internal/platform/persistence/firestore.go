/*
File: internal/platform/persistence/firestore.go
Description: Firestore implementation of delivery.MessageStore. Messages
live under threads/{threadID}/messages, notifications under
users/{identity}/notifications. Client message IDs are claimed through an
index document created in the same transaction as the record.
*/
package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// FirestoreCollections names the top-level collections used by the store.
type FirestoreCollections struct {
	Threads   string
	Users     string
	ClientIDs string
}

// DefaultFirestoreCollections returns the production collection names.
func DefaultFirestoreCollections() FirestoreCollections {
	return FirestoreCollections{
		Threads:   "threads",
		Users:     "users",
		ClientIDs: "client-message-ids",
	}
}

const (
	messagesSubcollection      = "messages"
	notificationsSubcollection = "notifications"
)

// clientIDIndex points from a claimed client message ID to its record.
type clientIDIndex struct {
	Kind     string `firestore:"kind"`
	ParentID string `firestore:"parent_id"`
	RecordID string `firestore:"record_id"`
}

// FirestoreStore implements delivery.MessageStore using Google Cloud Firestore.
type FirestoreStore struct {
	client      *firestore.Client
	collections FirestoreCollections
	logger      zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, collections FirestoreCollections, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collections.Threads == "" || collections.Users == "" || collections.ClientIDs == "" {
		return nil, fmt.Errorf("firestore collection names must be set")
	}
	return &FirestoreStore{
		client:      client,
		collections: collections,
		logger:      logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) messages(threadID string) *firestore.CollectionRef {
	return s.client.Collection(s.collections.Threads).Doc(threadID).Collection(messagesSubcollection)
}

func (s *FirestoreStore) notifications(identity delivery.Identity) *firestore.CollectionRef {
	return s.client.Collection(s.collections.Users).Doc(string(identity)).Collection(notificationsSubcollection)
}

func (s *FirestoreStore) clientIDRef(kind delivery.RequestKind, clientMessageID string) *firestore.DocumentRef {
	return s.client.Collection(s.collections.ClientIDs).Doc(string(kind) + ":" + clientMessageID)
}

// PersistMessage stores msg with a server-assigned ID and timestamp.
func (s *FirestoreStore) PersistMessage(ctx context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error) {
	persisted := delivery.PersistedMessage{
		ID:              uuid.NewString(),
		ThreadID:        msg.ThreadID,
		SenderID:        msg.SenderID,
		Text:            msg.Text,
		IsInternalNote:  msg.IsInternalNote,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	docRef := s.messages(msg.ThreadID).Doc(persisted.ID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if msg.ClientMessageID != "" {
			index := clientIDIndex{Kind: string(delivery.KindChat), ParentID: msg.ThreadID, RecordID: persisted.ID}
			if err := s.claimClientID(tx, delivery.KindChat, msg.ClientMessageID, index); err != nil {
				return err
			}
		}
		return tx.Create(docRef, persisted)
	})
	if err != nil {
		return delivery.PersistedMessage{}, fmt.Errorf("failed to persist message in thread %s: %w", msg.ThreadID, err)
	}
	return persisted, nil
}

// FindByClientMessageID resolves a chat client message ID to its record.
func (s *FirestoreStore) FindByClientMessageID(ctx context.Context, clientMessageID string) (delivery.PersistedMessage, bool, error) {
	index, found, err := s.lookupClientID(ctx, delivery.KindChat, clientMessageID)
	if err != nil || !found {
		return delivery.PersistedMessage{}, false, err
	}
	snap, err := s.messages(index.ParentID).Doc(index.RecordID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("client_message_id", clientMessageID).Msg("Client ID index points at a missing message.")
			return delivery.PersistedMessage{}, false, nil
		}
		return delivery.PersistedMessage{}, false, fmt.Errorf("failed to read message %s: %w", index.RecordID, err)
	}
	var persisted delivery.PersistedMessage
	if err := snap.DataTo(&persisted); err != nil {
		return delivery.PersistedMessage{}, false, fmt.Errorf("failed to decode message %s: %w", index.RecordID, err)
	}
	return persisted, true, nil
}

// PersistNotification stores n for identity.
func (s *FirestoreStore) PersistNotification(ctx context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error) {
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
	docRef := s.notifications(identity).Doc(persisted.ID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if n.ClientMessageID != "" {
			index := clientIDIndex{Kind: string(delivery.KindNotification), ParentID: string(identity), RecordID: persisted.ID}
			if err := s.claimClientID(tx, delivery.KindNotification, n.ClientMessageID, index); err != nil {
				return err
			}
		}
		return tx.Create(docRef, persisted)
	})
	if err != nil {
		return delivery.PersistedNotification{}, fmt.Errorf("failed to persist notification for %s: %w", identity, err)
	}
	return persisted, nil
}

// FindNotificationByClientMessageID resolves a notification client message ID.
func (s *FirestoreStore) FindNotificationByClientMessageID(ctx context.Context, clientMessageID string) (delivery.PersistedNotification, bool, error) {
	index, found, err := s.lookupClientID(ctx, delivery.KindNotification, clientMessageID)
	if err != nil || !found {
		return delivery.PersistedNotification{}, false, err
	}
	snap, err := s.notifications(delivery.Identity(index.ParentID)).Doc(index.RecordID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return delivery.PersistedNotification{}, false, nil
		}
		return delivery.PersistedNotification{}, false, fmt.Errorf("failed to read notification %s: %w", index.RecordID, err)
	}
	var persisted delivery.PersistedNotification
	if err := snap.DataTo(&persisted); err != nil {
		return delivery.PersistedNotification{}, false, fmt.Errorf("failed to decode notification %s: %w", index.RecordID, err)
	}
	return persisted, true, nil
}

// ListThreadMessages returns up to limit messages oldest first, starting
// after the message with ID after.
func (s *FirestoreStore) ListThreadMessages(ctx context.Context, threadID, after string, limit int) ([]delivery.PersistedMessage, error) {
	collectionRef := s.messages(threadID)
	query := collectionRef.OrderBy("created_at", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)

	if after != "" {
		cursor, err := collectionRef.Doc(after).Get(ctx)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil, fmt.Errorf("history cursor %s: %w", after, delivery.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to read history cursor %s: %w", after, err)
		}
		query = query.StartAfter(cursor)
	}

	docSnaps, err := query.Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}

	messages := make([]delivery.PersistedMessage, 0, len(docSnaps))
	for _, doc := range docSnaps {
		var m delivery.PersistedMessage
		if err := doc.DataTo(&m); err != nil {
			s.logger.Error().Err(err).Str("doc_id", doc.Ref.ID).Msg("Failed to unmarshal stored message, skipping")
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func (s *FirestoreStore) claimClientID(tx *firestore.Transaction, kind delivery.RequestKind, clientMessageID string, index clientIDIndex) error {
	ref := s.clientIDRef(kind, clientMessageID)
	_, err := tx.Get(ref)
	switch {
	case err == nil:
		return delivery.ErrDuplicateMessage
	case status.Code(err) != codes.NotFound:
		return err
	}
	return tx.Create(ref, index)
}

func (s *FirestoreStore) lookupClientID(ctx context.Context, kind delivery.RequestKind, clientMessageID string) (clientIDIndex, bool, error) {
	snap, err := s.clientIDRef(kind, clientMessageID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return clientIDIndex{}, false, nil
		}
		return clientIDIndex{}, false, fmt.Errorf("failed to look up client message id %s: %w", clientMessageID, err)
	}
	var index clientIDIndex
	if err := snap.DataTo(&index); err != nil {
		return clientIDIndex{}, false, fmt.Errorf("failed to decode client id index: %w", err)
	}
	return index, true, nil
}
