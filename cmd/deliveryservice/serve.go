package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Nicat85/BuynityProject-sub001/cmd"
	"github.com/Nicat85/BuynityProject-sub001/deliveryservice"
	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
	"github.com/Nicat85/BuynityProject-sub001/internal/app"
	"github.com/Nicat85/BuynityProject-sub001/internal/middleware"
	"github.com/Nicat85/BuynityProject-sub001/internal/pipeline"
	"github.com/Nicat85/BuynityProject-sub001/internal/platform/authz"
	"github.com/Nicat85/BuynityProject-sub001/internal/platform/cache"
	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/internal/platform/persistence"
	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/internal/realtime"
)

const localUserID = "local-user"

func newServeCommand(logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API and WebSocket servers",
		RunE: func(c *cobra.Command, _ []string) error {
			return serve(c.Context(), logger)
		},
	}
}

func serve(ctx context.Context, logger zerolog.Logger) error {
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	collectors := metrics.New()

	backends, err := newBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize backends: %w", err)
	}
	defer backends.Close(logger)

	httpAuth, wsAuth, err := newAuthMiddlewares(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication: %w", err)
	}

	registry := realtime.NewRegistry(collectors)
	connManager, err := realtime.NewConnectionManager(
		realtime.ManagerConfig{
			Port:           cfg.WebSocketPort,
			SendQueueSize:  cfg.WebSocket.SendQueueSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			PongTimeout:    cfg.WebSocket.PongTimeout,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		wsAuth,
		registry,
		backends.Authorizer,
		backends.Presence,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	router := realtime.NewGroupRouter(registry, connManager, collectors, logger)
	messagePipeline := pipeline.NewMessagePipeline(backends.Store, backends.Authorizer, router, collectors, logger)

	deps := &deliveryservice.Dependencies{
		Pipeline: messagePipeline,
		Presence: backends.Presence,
		Metrics:  collectors,
	}
	if cfg.Ingestion.Enabled && !cfg.IsLocal() {
		if err := wireIngestion(ctx, cfg, deps, backends, logger); err != nil {
			return err
		}
	}

	service, err := deliveryservice.New(cfg, deps, httpAuth, logger)
	if err != nil {
		return fmt.Errorf("failed to create API service: %w", err)
	}

	return app.Run(ctx, logger,
		app.Component{Name: "API Service", Service: service},
		app.Component{Name: "Connection Manager", Service: connManager},
	)
}

// newBackends builds the store, authorizer and presence cache for the run mode.
func newBackends(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*cmd.Backends, error) {
	if cfg.IsLocal() {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewLocalBackends(logger), nil
	}

	b := &cmd.Backends{}
	ok := false
	defer func() {
		if !ok {
			b.Close(logger)
		}
	}()

	rdb, err := newRedisClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.AddCloser(rdb.Close)

	if b.Presence, err = cache.NewRedisPresenceCache(rdb, cfg.Redis.PresenceTTL, logger); err != nil {
		return nil, err
	}
	if b.Authorizer, err = authz.NewRedisThreadAuthorizer(rdb, logger); err != nil {
		return nil, err
	}

	switch cfg.Store.Type {
	case config.StoreFirestore:
		logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to Firestore")
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		b.AddCloser(fsClient.Close)
		b.Store, err = persistence.NewFirestoreStore(fsClient, persistence.FirestoreCollections{
			Threads:   cfg.Store.Firestore.ThreadsCollection,
			Users:     cfg.Store.Firestore.UsersCollection,
			ClientIDs: cfg.Store.Firestore.ClientIDsCollection,
		}, logger)
		if err != nil {
			return nil, err
		}

	case config.StorePostgres:
		db, err := persistence.OpenPostgres(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		b.AddCloser(db.Close)
		store, err := persistence.NewPostgresStore(db, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Store.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		b.Store = store

	default:
		return nil, fmt.Errorf("invalid store type: %s", cfg.Store.Type)
	}

	ok = true
	return b, nil
}

func newRedisClient(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	return rdb, nil
}

// newAuthMiddlewares returns the HTTP and WebSocket authentication
// middlewares. Local mode trusts the X-User-Id and X-Scopes headers.
func newAuthMiddlewares(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (httpAuth, wsAuth func(http.Handler) http.Handler, err error) {
	if cfg.IsLocal() && cfg.Auth.JWKSURL == "" && cfg.Auth.JWTSecret == "" {
		noop := middleware.NoopAuth(true, localUserID)
		return noop, noop, nil
	}

	var authenticator *middleware.Authenticator
	if cfg.Auth.JWKSURL != "" {
		authenticator, err = middleware.NewJWKSAuthenticator(ctx, cfg.Auth.JWKSURL, logger)
		if err != nil {
			return nil, nil, err
		}
	} else {
		authenticator = middleware.NewHS256Authenticator([]byte(cfg.Auth.JWTSecret), logger)
	}
	return authenticator.HTTPMiddleware, authenticator.WebsocketMiddleware, nil
}

// wireIngestion provisions the ingestion topic and subscription and adds
// the producer and subscriber to deps.
func wireIngestion(ctx context.Context, cfg *config.AppConfig, deps *deliveryservice.Dependencies, b *cmd.Backends, logger zerolog.Logger) error {
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	b.AddCloser(psClient.Close)

	topic := ps.ResourceName(cfg.ProjectID, cfg.Ingestion.TopicID, ps.Pub)
	sub := ps.ResourceName(cfg.ProjectID, cfg.Ingestion.SubscriptionID, ps.Sub)
	if err := ps.EnsureTopic(ctx, psClient, topic, logger); err != nil {
		return err
	}
	spec := ps.SubscriptionSpec{
		Name:        sub,
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	}
	if cfg.Ingestion.DLQTopicID != "" {
		spec.DeadLetterTopic = ps.ResourceName(cfg.ProjectID, cfg.Ingestion.DLQTopicID, ps.Pub)
		spec.MaxDeliveryAttempts = 5
		if err := ps.EnsureTopic(ctx, psClient, spec.DeadLetterTopic, logger); err != nil {
			return err
		}
	}
	if err := ps.EnsureSubscription(ctx, psClient, spec, logger); err != nil {
		return err
	}

	publisher := psClient.Publisher(topic)
	b.AddCloser(func() error { publisher.Stop(); return nil })

	deps.Producer = ps.NewProducer(publisher)
	deps.IngestionSubscriber = psClient.Subscriber(sub)
	return nil
}
