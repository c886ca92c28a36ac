package pubsub

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// ResourceType is a Pub/Sub resource kind used in full resource names.
type ResourceType string

const (
	// Sub identifies a subscription resource.
	Sub ResourceType = "subscriptions"
	// Pub identifies a topic resource.
	Pub ResourceType = "topics"
)

// ResourceName formats a short ID into a full GCP resource name.
func ResourceName(project, id string, kind ResourceType) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}

// SubscriptionSpec describes the ingestion subscription.
type SubscriptionSpec struct {
	Name                string
	Topic               string
	DeadLetterTopic     string
	AckDeadline         time.Duration
	Retention           time.Duration
	MaxDeliveryAttempts int32
}

// EnsureTopic creates the topic if it does not already exist.
func EnsureTopic(ctx context.Context, client *pubsub.Client, topicName string, logger zerolog.Logger) error {
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("topic", topicName).Msg("Topic already exists, skipping creation.")
			return nil
		}
		return fmt.Errorf("could not create topic %s: %w", topicName, err)
	}
	logger.Info().Str("topic", topicName).Msg("Created topic.")
	return nil
}

// EnsureSubscription creates the subscription if it does not already exist.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, spec SubscriptionSpec, logger zerolog.Logger) error {
	sub := &pubsubpb.Subscription{
		Name:               spec.Name,
		Topic:              spec.Topic,
		AckDeadlineSeconds: int32(spec.AckDeadline / time.Second),
	}
	if spec.Retention > 0 {
		sub.MessageRetentionDuration = durationpb.New(spec.Retention)
	}
	if spec.DeadLetterTopic != "" {
		sub.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     spec.DeadLetterTopic,
			MaxDeliveryAttempts: spec.MaxDeliveryAttempts,
		}
	}

	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("sub", spec.Name).Msg("Subscription already exists, skipping creation.")
			return nil
		}
		return fmt.Errorf("could not create subscription %s: %w", spec.Name, err)
	}
	logger.Info().Str("sub", spec.Name).Str("topic", spec.Topic).Msg("Created subscription.")
	return nil
}
