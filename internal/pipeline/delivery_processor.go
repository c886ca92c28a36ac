// --- File: internal/pipeline/delivery_processor.go ---
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// NewDeliveryProcessor runs ingested requests through the pipeline.
// Requests that can never succeed are logged and dropped. Every other
// failure is returned so the message is redelivered.
func NewDeliveryProcessor(p *MessagePipeline, logger zerolog.Logger) ps.Processor[delivery.DeliveryRequest] {
	return func(ctx context.Context, msg ps.Message, req *delivery.DeliveryRequest) error {
		procLogger := logger.With().Str("msg_id", msg.ID).Str("kind", string(req.Kind)).Logger()

		var err error
		switch req.Kind {
		case delivery.KindChat:
			_, err = p.DeliverChatMessage(ctx, *req.Message)
		case delivery.KindNotification:
			_, err = p.DeliverNotification(ctx, req.Recipient, *req.Notification)
		default:
			err = fmt.Errorf("%w: unknown kind %q", delivery.ErrInvalidRequest, req.Kind)
		}

		switch {
		case err == nil:
			return nil
		case isPermanent(err):
			procLogger.Error().Err(err).Msg("Dropping undeliverable request.")
			return nil
		default:
			procLogger.Warn().Err(err).Msg("Delivery failed, will retry.")
			return err
		}
	}
}

func isPermanent(err error) bool {
	return errors.Is(err, delivery.ErrInvalidRequest) ||
		errors.Is(err, delivery.ErrNotThreadMember) ||
		errors.Is(err, delivery.ErrClientIDConflict)
}
