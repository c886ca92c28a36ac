// --- File: internal/pipeline/transformer_delivery.go ---
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// DeliveryRequestTransformer decodes and validates a delivery request from
// the ingestion topic. Malformed requests return an error so they are nacked
// and end up on the dead-letter topic.
func DeliveryRequestTransformer(_ context.Context, msg *ps.Message) (*delivery.DeliveryRequest, bool, error) {
	var req delivery.DeliveryRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal delivery request from message %s: %w", msg.ID, err)
	}
	if err := req.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid delivery request in message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}
