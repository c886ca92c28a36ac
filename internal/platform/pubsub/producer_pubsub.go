/*
File: internal/platform/pubsub/producer_pubsub.go
Description: Publishes delivery requests to the ingestion topic.
*/
// Package pubsub contains concrete adapters for interacting with Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// pubsubTopicClient defines the interface for the underlying pubsub.Publisher.
// This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer serializes a DeliveryRequest and publishes it to a Pub/Sub topic.
type Producer struct {
	topic pubsubTopicClient
}

// NewProducer is the constructor for the Pub/Sub producer.
func NewProducer(topic pubsubTopicClient) *Producer {
	return &Producer{
		topic: topic,
	}
}

// Publish validates and sends the request, waiting for the server ID.
func (p *Producer) Publish(ctx context.Context, req delivery.DeliveryRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal delivery request for publishing: %w", err)
	}

	message := &pubsub.Message{
		Data:       payloadBytes,
		Attributes: map[string]string{"kind": string(req.Kind)},
	}

	result := p.topic.Publish(ctx, message)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}
