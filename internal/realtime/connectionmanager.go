/*
File: internal/realtime/connectionmanager.go
Description: The WebSocket transport. It admits authenticated connections
into the Registry, handles join/leave frames from clients, publishes
presence and implements delivery.Pusher for the GroupRouter.
*/
// Package realtime provides the connection registry, the group router and
// the WebSocket transport that feeds them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/internal/middleware"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// ManagerConfig tunes the WebSocket transport.
type ManagerConfig struct {
	Port           string
	SendQueueSize  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// clientFrame is the only message a client may send.
type clientFrame struct {
	Action   string `json:"action"`
	ThreadID string `json:"threadId"`
}

// ConnectionManager manages all active WebSocket connections and user presence.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	cfg        ManagerConfig
	server     *http.Server
	upgrader   websocket.Upgrader
	registry   *Registry
	authorizer delivery.ThreadAuthorizer
	presence   delivery.PresenceCache

	connections sync.Map // map[delivery.ConnectionID]*client
	handlers    sync.WaitGroup
	// presenceMu orders presence writes so the last write reflects the
	// final connection count of an identity.
	presenceMu sync.Mutex

	logger     zerolog.Logger
	instanceID string
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	cfg ManagerConfig,
	authMiddleware func(http.Handler) http.Handler,
	registry *Registry,
	authorizer delivery.ThreadAuthorizer,
	presence delivery.PresenceCache,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if registry == nil || authorizer == nil || presence == nil {
		return nil, errors.New("connection manager requires a registry, an authorizer and a presence cache")
	}
	cfg = cfg.withDefaults()

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		cfg:        cfg,
		registry:   registry,
		authorizer: authorizer,
		presence:   presence,
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
	}
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cm.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return cm, nil
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Handler serves /connect. Start serves the same handler on cfg.Port.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Shutdown stops accepting connections, closes every live one with a close
// frame and waits for their handlers to finish cleaning up.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	cm.connections.Range(func(_, value any) bool {
		value.(*client).close()
		return true
	})

	drained := make(chan struct{})
	go func() {
		cm.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		cm.logger.Warn().Msg("Timed out waiting for connections to drain.")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// Push implements delivery.Pusher. It only enqueues; the connection's writer
// performs the network write.
func (cm *ConnectionManager) Push(ctx context.Context, connID delivery.ConnectionID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrPushFailed, err)
	}
	value, ok := cm.connections.Load(connID)
	if !ok {
		return fmt.Errorf("%w: %w", delivery.ErrPushFailed, delivery.ErrUnknownConnection)
	}
	if err := value.(*client).enqueue(payload); err != nil {
		return fmt.Errorf("%w: %w", delivery.ErrPushFailed, err)
	}
	return nil
}

// Close implements delivery.Pusher. The connection's read loop observes the
// closed socket and completes the disconnect.
func (cm *ConnectionManager) Close(connID delivery.ConnectionID) {
	if value, ok := cm.connections.Load(connID); ok {
		value.(*client).close()
	}
}

func (cm *ConnectionManager) checkOrigin(r *http.Request) bool {
	if len(cm.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(cm.cfg.AllowedOrigins, origin)
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	identity := delivery.Identity(authedUserID)

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	cm.handlers.Add(1)
	defer cm.handlers.Done()

	c := newClient(delivery.ConnectionID(uuid.NewString()), identity, conn, cm.cfg.SendQueueSize)
	if err := cm.add(c); err != nil {
		cm.logger.Error().Err(err).Str("connection_id", string(c.id)).Msg("Failed to register connection.")
		_ = conn.Close()
		return
	}
	defer cm.remove(c)

	log := cm.logger.With().Str("user", authedUserID).Str("connection_id", string(c.id)).Logger()
	log.Info().Msg("User connected via WebSocket.")

	go c.writePump(cm.cfg.WriteTimeout, cm.cfg.PingInterval)
	cm.readPump(r.Context(), c, log)
}

// readPump processes client frames until the socket fails or closes.
func (cm *ConnectionManager) readPump(ctx context.Context, c *client, log zerolog.Logger) {
	c.conn.SetReadLimit(cm.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cm.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cm.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Connection closed unexpectedly.")
			}
			return
		}
		cm.handleFrame(ctx, c, data, log)
	}
}

func (cm *ConnectionManager) handleFrame(ctx context.Context, c *client, data []byte, log zerolog.Logger) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.ThreadID == "" {
		cm.reply(c, delivery.EnvelopeError, "", map[string]string{"error": "malformed frame"})
		return
	}
	group := delivery.ThreadGroup(frame.ThreadID)

	switch frame.Action {
	case "join":
		isMember, err := cm.authorizer.IsThreadMember(ctx, c.identity, frame.ThreadID)
		if err != nil {
			log.Error().Err(err).Str("thread_id", frame.ThreadID).Msg("Thread membership check failed.")
			cm.reply(c, delivery.EnvelopeError, group, map[string]string{"error": "membership check failed"})
			return
		}
		if !isMember {
			cm.reply(c, delivery.EnvelopeError, group, map[string]string{"error": delivery.ErrNotThreadMember.Error()})
			return
		}
		if err := cm.registry.JoinGroup(c.id, group); err != nil {
			log.Debug().Err(err).Msg("Join raced with disconnect.")
			return
		}
		cm.reply(c, delivery.EnvelopeJoined, group, map[string]string{"threadId": frame.ThreadID})

	case "leave":
		cm.registry.LeaveGroup(c.id, group)
		cm.reply(c, delivery.EnvelopeLeft, group, map[string]string{"threadId": frame.ThreadID})

	default:
		cm.reply(c, delivery.EnvelopeError, group, map[string]string{"error": "unknown action"})
	}
}

func (cm *ConnectionManager) reply(c *client, kind delivery.EnvelopeType, group string, data any) {
	payload, err := delivery.NewEnvelope(kind, group, data)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to encode reply.")
		return
	}
	if err := c.enqueue(payload); err != nil {
		cm.logger.Debug().Err(err).Str("connection_id", string(c.id)).Msg("Dropped reply.")
	}
}

// add registers a new connection and sets the user's presence.
func (cm *ConnectionManager) add(c *client) error {
	cm.connections.Store(c.id, c)
	if err := cm.registry.Register(c.id, c.identity); err != nil {
		cm.connections.CompareAndDelete(c.id, c)
		return err
	}
	cm.publishPresence(c.identity)
	return nil
}

// remove unregisters a connection and updates the user's presence.
func (cm *ConnectionManager) remove(c *client) {
	c.close()
	cm.registry.Unregister(c.id)
	cm.connections.CompareAndDelete(c.id, c)
	cm.publishPresence(c.identity)
	cm.logger.Info().Str("user", string(c.identity)).Str("connection_id", string(c.id)).Msg("User disconnected.")
}

func (cm *ConnectionManager) publishPresence(identity delivery.Identity) {
	cm.presenceMu.Lock()
	defer cm.presenceMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count := len(cm.registry.ConnectionsOf(identity))
	if count == 0 {
		if err := cm.presence.Delete(ctx, identity); err != nil {
			cm.logger.Error().Err(err).Str("user", string(identity)).Msg("Failed to delete user presence from cache.")
		}
		return
	}
	info := delivery.ConnectionInfo{
		ServerInstanceID: cm.instanceID,
		Connections:      count,
		ConnectedAt:      time.Now().Unix(),
	}
	if err := cm.presence.Set(ctx, identity, info); err != nil {
		cm.logger.Error().Err(err).Str("user", string(identity)).Msg("Failed to set user presence in cache.")
	}
}
