package cmd

import (
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/internal/test/fakes"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// Backends are the stateful collaborators of the delivery core.
type Backends struct {
	Store      delivery.MessageStore
	Authorizer delivery.ThreadAuthorizer
	Presence   delivery.PresenceCache

	closers []func() error
}

// AddCloser registers fn to run on Close, in reverse order.
func (b *Backends) AddCloser(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases every client the backends hold.
func (b *Backends) Close(logger zerolog.Logger) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to close backend client.")
		}
	}
}

// NewLocalBackends creates in-memory fakes for local development. Every
// identity is a member of every thread.
func NewLocalBackends(logger zerolog.Logger) *Backends {
	return &Backends{
		Store:      fakes.NewMessageStore(logger),
		Authorizer: fakes.NewThreadAuthorizer(true),
		Presence:   fakes.NewPresenceCache(),
	}
}
