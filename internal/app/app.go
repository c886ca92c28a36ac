// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ShutdownTimeout bounds the graceful shutdown of all components.
var ShutdownTimeout = 15 * time.Second

// Service is a long-running component. Start blocks until the component
// stops or fails; Shutdown makes a blocked Start return.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Component names a Service for logging.
type Component struct {
	Name    string
	Service Service
}

// Run executes the main application lifecycle. It starts every component,
// waits for SIGINT/SIGTERM, cancellation of ctx or the failure of any
// component, then shuts all of them down in the order given. It returns the
// first start failure, if any.
func Run(ctx context.Context, logger zerolog.Logger, components ...Component) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			logger.Info().Str("component", c.Name).Msg("Starting...")
			err := c.Service.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", c.Name).Msg("Component failed.")
				return err
			}
			return nil
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info().Msg("Shutdown requested.")
	} else {
		logger.Warn().Msg("A component failed, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	for _, c := range components {
		logger.Info().Str("component", c.Name).Msg("Shutting down...")
		if err := c.Service.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("component", c.Name).Msg("Shutdown failed.")
		}
	}

	err := g.Wait()
	logger.Info().Msg("All services shut down.")
	return err
}
