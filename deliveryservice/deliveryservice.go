/*
File: deliveryservice/deliveryservice.go
Description: Wires the HTTP API and the Pub/Sub ingestion pipeline into a
single service with a start/shutdown lifecycle.
*/
package deliveryservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
	"github.com/Nicat85/BuynityProject-sub001/internal/api"
	"github.com/Nicat85/BuynityProject-sub001/internal/pipeline"
	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// Dependencies are the collaborators the service is built from.
type Dependencies struct {
	Pipeline *pipeline.MessagePipeline
	Presence delivery.PresenceCache
	Metrics  *metrics.Collectors
	// Producer and IngestionSubscriber are nil when ingestion is disabled.
	Producer            api.RequestPublisher
	IngestionSubscriber *pubsub.Subscriber
}

// Wrapper runs the API server and, when configured, the ingestion pipeline.
type Wrapper struct {
	server            *http.Server
	processingService *ps.StreamingService[delivery.DeliveryRequest]
	ready             atomic.Bool
	logger            zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates and wires up the delivery service.
func New(
	cfg *config.AppConfig,
	deps *Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if deps == nil || deps.Pipeline == nil || deps.Presence == nil {
		return nil, errors.New("delivery service requires a pipeline and a presence cache")
	}
	w := &Wrapper{logger: logger.With().Str("component", "DeliveryService").Logger()}

	apiHandler := api.NewAPI(deps.Pipeline, deps.Presence, deps.Producer, logger)
	var metricsHandler http.Handler
	if deps.Metrics != nil {
		metricsHandler = deps.Metrics.Handler()
	}
	router := api.NewRouter(apiHandler, api.RouterOptions{
		Auth:           authMiddleware,
		Metrics:        metricsHandler,
		Ready:          &w.ready,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	w.server = &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if deps.IngestionSubscriber != nil {
		processingService, err := ps.NewStreamingService[delivery.DeliveryRequest](
			ps.StreamingServiceConfig{NumWorkers: cfg.Ingestion.NumWorkers},
			deps.IngestionSubscriber,
			pipeline.DeliveryRequestTransformer,
			pipeline.NewDeliveryProcessor(deps.Pipeline, logger),
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create processing service: %w", err)
		}
		w.processingService = processingService
	}
	return w, nil
}

// Start runs the ingestion pipeline, then serves the API until Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.processingService != nil {
		w.logger.Info().Msg("Ingestion pipeline starting...")
		if err := w.processingService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()

	w.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener is active.")
	w.ready.Store(true)

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Ready reports whether the API is accepting requests.
func (w *Wrapper) Ready() bool { return w.ready.Load() }

// Addr returns the bound listen address once Start is serving.
func (w *Wrapper) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return ""
	}
	return w.listener.Addr().String()
}

// Shutdown stops ingestion first so no new deliveries start, then drains
// the HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if w.processingService != nil {
		if err := w.processingService.Stop(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Processing service shutdown failed.")
			finalErr = err
		}
	}

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
