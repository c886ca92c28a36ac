package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// Message is the transport-neutral view of a received Pub/Sub message.
type Message struct {
	ID          string
	Payload     []byte
	Attributes  map[string]string
	PublishTime time.Time
}

// Transformer decodes a message. skip=true with a nil error drops the
// message (acked); a non-nil error nacks it for redelivery or dead-lettering.
type Transformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// Processor handles a decoded payload. A returned error nacks the message.
type Processor[T any] func(ctx context.Context, msg Message, payload *T) error

// StreamingServiceConfig bounds consumer concurrency.
type StreamingServiceConfig struct {
	NumWorkers int
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// StreamingService pulls from a subscription and runs each message through
// a Transformer and a Processor, acking on success.
type StreamingService[T any] struct {
	sub         receiver
	transformer Transformer[T]
	processor   Processor[T]
	logger      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewStreamingService wires a subscriber to the transform and process stages.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	sub *pubsub.Subscriber,
	transformer Transformer[T],
	processor Processor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if sub == nil || transformer == nil || processor == nil {
		return nil, errors.New("streaming service requires a subscriber, a transformer and a processor")
	}
	if cfg.NumWorkers > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.NumWorkers
	}
	return &StreamingService[T]{
		sub:         sub,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("component", "StreamingService").Logger(),
	}, nil
}

// Start begins receiving in the background. It returns immediately.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("streaming service already started")
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)

	go func() {
		err := s.sub.Receive(receiveCtx, s.handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("Subscription receive stopped with error.")
		}
		s.done <- err
	}()
	s.logger.Info().Msg("Streaming service started.")
	return nil
}

// Stop cancels receiving and waits for in-flight handlers to return.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("streaming service stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping streaming service: %w", ctx.Err())
	}
}

func (s *StreamingService[T]) handle(ctx context.Context, m *pubsub.Message) {
	msg := Message{
		ID:          m.ID,
		Payload:     m.Data,
		Attributes:  m.Attributes,
		PublishTime: m.PublishTime,
	}
	log := s.logger.With().Str("msg_id", msg.ID).Logger()

	payload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to transform message, nacking.")
		m.Nack()
		return
	}
	if skip {
		log.Debug().Msg("Message skipped.")
		m.Ack()
		return
	}

	if err := s.processor(ctx, msg, payload); err != nil {
		log.Error().Err(err).Msg("Failed to process message, nacking.")
		m.Nack()
		return
	}
	m.Ack()
}
