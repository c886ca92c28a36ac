// Package persistence contains the durable delivery.MessageStore
// implementations.
package persistence

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

const messageColumns = `id, thread_id, sender_id, body, is_internal_note,
	COALESCE(client_message_id, '') AS client_message_id, created_at`

const notificationColumns = `id, recipient, COALESCE(sender_id, '') AS sender_id, type, title, body, data,
	COALESCE(client_message_id, '') AS client_message_id, created_at`

// notificationRow mirrors the notifications table; data is raw JSONB.
type notificationRow struct {
	ID              string    `db:"id"`
	Recipient       string    `db:"recipient"`
	SenderID        string    `db:"sender_id"`
	Type            string    `db:"type"`
	Title           string    `db:"title"`
	Body            string    `db:"body"`
	Data            []byte    `db:"data"`
	ClientMessageID string    `db:"client_message_id"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r notificationRow) toNotification() (delivery.PersistedNotification, error) {
	n := delivery.PersistedNotification{
		ID:              r.ID,
		Recipient:       delivery.Identity(r.Recipient),
		SenderID:        delivery.Identity(r.SenderID),
		Type:            r.Type,
		Title:           r.Title,
		Body:            r.Body,
		ClientMessageID: r.ClientMessageID,
		CreatedAt:       r.CreatedAt,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &n.Data); err != nil {
			return delivery.PersistedNotification{}, fmt.Errorf("failed to decode notification data: %w", err)
		}
	}
	return n, nil
}

// PostgresStore implements delivery.MessageStore on PostgreSQL.
type PostgresStore struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB, logger zerolog.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres db cannot be nil")
	}
	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "PostgresStore").Logger(),
	}, nil
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info().Msg("Schema applied.")
	return nil
}

func (s *PostgresStore) PersistMessage(ctx context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error) {
	persisted := delivery.PersistedMessage{
		ID:              uuid.NewString(),
		ThreadID:        msg.ThreadID,
		SenderID:        msg.SenderID,
		Text:            msg.Text,
		IsInternalNote:  msg.IsInternalNote,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, thread_id, sender_id, body, is_internal_note, client_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		persisted.ID, persisted.ThreadID, string(persisted.SenderID), persisted.Text,
		persisted.IsInternalNote, persisted.ClientMessageID, persisted.CreatedAt,
	)
	if err != nil {
		return delivery.PersistedMessage{}, translate("insert chat message", err)
	}
	return persisted, nil
}

func (s *PostgresStore) FindByClientMessageID(ctx context.Context, clientMessageID string) (delivery.PersistedMessage, bool, error) {
	var persisted delivery.PersistedMessage
	err := s.db.GetContext(ctx, &persisted,
		`SELECT `+messageColumns+` FROM chat_messages WHERE client_message_id = $1`, clientMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.PersistedMessage{}, false, nil
	}
	if err != nil {
		return delivery.PersistedMessage{}, false, fmt.Errorf("failed to find chat message by client id: %w", err)
	}
	return persisted, true, nil
}

func (s *PostgresStore) PersistNotification(ctx context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error) {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return delivery.PersistedNotification{}, fmt.Errorf("failed to encode notification data: %w", err)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient, sender_id, type, title, body, data, client_message_id, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''), $9)`,
		persisted.ID, string(identity), string(n.SenderID), n.Type, n.Title, n.Body,
		string(dataJSON), n.ClientMessageID, persisted.CreatedAt,
	)
	if err != nil {
		return delivery.PersistedNotification{}, translate("insert notification", err)
	}
	return persisted, nil
}

func (s *PostgresStore) FindNotificationByClientMessageID(ctx context.Context, clientMessageID string) (delivery.PersistedNotification, bool, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+notificationColumns+` FROM notifications WHERE client_message_id = $1`, clientMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.PersistedNotification{}, false, nil
	}
	if err != nil {
		return delivery.PersistedNotification{}, false, fmt.Errorf("failed to find notification by client id: %w", err)
	}
	n, err := row.toNotification()
	if err != nil {
		return delivery.PersistedNotification{}, false, err
	}
	return n, true, nil
}

func (s *PostgresStore) ListThreadMessages(ctx context.Context, threadID, after string, limit int) ([]delivery.PersistedMessage, error) {
	messages := make([]delivery.PersistedMessage, 0)
	var err error
	if after == "" {
		err = s.db.SelectContext(ctx, &messages,
			`SELECT `+messageColumns+` FROM chat_messages
			 WHERE thread_id = $1
			 ORDER BY created_at, id
			 LIMIT $2`, threadID, limit)
	} else {
		err = s.db.SelectContext(ctx, &messages,
			`SELECT `+messageColumns+` FROM chat_messages
			 WHERE thread_id = $1
			   AND (created_at, id) > (SELECT created_at, id FROM chat_messages WHERE id = $2 AND thread_id = $1)
			 ORDER BY created_at, id
			 LIMIT $3`, threadID, after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	return messages, nil
}

// translate maps a unique violation to delivery.ErrDuplicateMessage.
func translate(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, delivery.ErrDuplicateMessage)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
