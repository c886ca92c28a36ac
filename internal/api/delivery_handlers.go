/*
File: internal/api/delivery_handlers.go
Description: HTTP handlers for posting chat messages and notifications,
reading thread history, enqueueing delivery requests and presence lookups.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/internal/middleware"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

const maxBodyBytes = 64 << 10

// Deliverer is the part of the message pipeline the API drives.
type Deliverer interface {
	DeliverChatMessage(ctx context.Context, msg delivery.ChatMessage) (delivery.PersistedMessage, error)
	DeliverNotification(ctx context.Context, identity delivery.Identity, n delivery.Notification) (delivery.PersistedNotification, error)
	History(ctx context.Context, identity delivery.Identity, threadID, after string, limit int) ([]delivery.PersistedMessage, error)
}

// RequestPublisher enqueues a delivery request on the ingestion topic.
type RequestPublisher interface {
	Publish(ctx context.Context, req delivery.DeliveryRequest) (string, error)
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	deliverer Deliverer
	presence  delivery.PresenceCache
	// producer is optional; without it the async endpoint answers 503.
	producer RequestPublisher
	logger   zerolog.Logger
}

// NewAPI creates the handler set. producer may be nil.
func NewAPI(deliverer Deliverer, presence delivery.PresenceCache, producer RequestPublisher, logger zerolog.Logger) *API {
	return &API{
		deliverer: deliverer,
		presence:  presence,
		producer:  producer,
		logger:    logger.With().Str("component", "API").Logger(),
	}
}

type postMessageBody struct {
	Text            string `json:"text"`
	IsInternalNote  bool   `json:"isInternalNote"`
	ClientMessageID string `json:"clientMessageId"`
}

// PostThreadMessageHandler persists a chat message from the authenticated
// user and broadcasts it to the thread.
func (a *API) PostThreadMessageHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	threadID := chi.URLParam(r, "threadID")
	log := a.logger.With().Str("user", userID).Str("thread_id", threadID).Logger()

	var body postMessageBody
	if err := decodeBody(w, r, &body); err != nil {
		log.Warn().Err(err).Msg("Failed to decode message body.")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	persisted, err := a.deliverer.DeliverChatMessage(r.Context(), delivery.ChatMessage{
		ThreadID:        threadID,
		SenderID:        delivery.Identity(userID),
		Text:            body.Text,
		IsInternalNote:  body.IsInternalNote,
		ClientMessageID: body.ClientMessageID,
	})
	if err != nil {
		a.writeDeliveryError(w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, persisted)
}

// ThreadHistoryHandler returns stored messages of a thread for a member.
func (a *API) ThreadHistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	threadID := chi.URLParam(r, "threadID")
	log := a.logger.With().Str("user", userID).Str("thread_id", threadID).Logger()

	limit := delivery.DefaultHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		val, err := strconv.Atoi(limitStr)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter, must be an integer")
			return
		}
		if val > delivery.MaxHistoryLimit {
			limit = delivery.MaxHistoryLimit
		} else if val > 0 {
			limit = val
		}
	}

	messages, err := a.deliverer.History(r.Context(), delivery.Identity(userID), threadID, r.URL.Query().Get("after"), limit)
	if err != nil {
		a.writeDeliveryError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []delivery.PersistedMessage `json:"messages"`
	}{Messages: messages})
}

// PostNotificationHandler persists a notification for the identity in the
// path and pushes it to that identity's live connections.
func (a *API) PostNotificationHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	recipient := delivery.Identity(chi.URLParam(r, "identity"))
	log := a.logger.With().Str("caller", callerID).Str("recipient", string(recipient)).Logger()

	var n delivery.Notification
	if err := decodeBody(w, r, &n); err != nil {
		log.Warn().Err(err).Msg("Failed to decode notification body.")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if n.Type == "" || n.Title == "" {
		writeJSONError(w, http.StatusBadRequest, "type and title are required")
		return
	}

	persisted, err := a.deliverer.DeliverNotification(r.Context(), recipient, n)
	if err != nil {
		a.writeDeliveryError(w, log, err)
		return
	}
	writeJSON(w, http.StatusCreated, persisted)
}

// EnqueueDeliveryHandler publishes a delivery request to the ingestion
// topic and answers 202. Chat requests are always sent as the caller;
// notification requests need the notifications:send scope.
func (a *API) EnqueueDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}
	log := a.logger.With().Str("caller", callerID).Logger()
	if a.producer == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "ingestion is not configured")
		return
	}

	var req delivery.DeliveryRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode delivery request.")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == delivery.KindNotification && !middleware.HasScope(r.Context(), middleware.ScopeNotificationsSend) {
		log.Warn().Msg("Notification request without the notifications scope.")
		writeJSONError(w, http.StatusForbidden, "notifications require the "+middleware.ScopeNotificationsSend+" scope")
		return
	}
	if req.Kind == delivery.KindChat && req.Message != nil {
		req.Message.SenderID = delivery.Identity(callerID)
	}

	id, err := a.producer.Publish(r.Context(), req)
	if err != nil {
		a.writeDeliveryError(w, log, err)
		return
	}
	log.Debug().Str("pubsub_id", id).Str("kind", string(req.Kind)).Msg("Delivery request accepted for ingestion.")
	writeJSON(w, http.StatusAccepted, struct {
		ID string `json:"id"`
	}{ID: id})
}

type presenceBody struct {
	Online bool `json:"online"`
	delivery.ConnectionInfo
}

// PresenceHandler reports whether an identity holds live connections.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	identity := delivery.Identity(chi.URLParam(r, "identity"))
	info, err := a.presence.Fetch(r.Context(), identity)
	if errors.Is(err, delivery.ErrNotFound) {
		writeJSON(w, http.StatusOK, presenceBody{Online: false})
		return
	}
	if err != nil {
		a.logger.Error().Err(err).Str("identity", string(identity)).Msg("Presence lookup failed.")
		writeJSONError(w, http.StatusInternalServerError, "presence lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, presenceBody{Online: info.Connections > 0, ConnectionInfo: info})
}

// writeDeliveryError maps pipeline errors to HTTP statuses.
func (a *API) writeDeliveryError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, delivery.ErrNotThreadMember):
		writeJSONError(w, http.StatusForbidden, "not a member of this thread")
	case errors.Is(err, delivery.ErrClientIDConflict):
		writeJSONError(w, http.StatusConflict, "client message id already used")
	case errors.Is(err, delivery.ErrPersistenceFailed):
		log.Error().Err(err).Msg("Delivery failed to persist.")
		writeJSONError(w, http.StatusServiceUnavailable, "message could not be stored, retry later")
	default:
		log.Error().Err(err).Msg("Delivery failed.")
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
