package main

import (
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/authz"
	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

func newPublishNotificationCommand(logger zerolog.Logger) *cobra.Command {
	var (
		recipient string
		n         delivery.Notification
		sender    string
	)
	c := &cobra.Command{
		Use:   "publish-notification",
		Short: "Publish a notification request to the ingestion topic",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			if cfg.ProjectID == "" || cfg.Ingestion.TopicID == "" {
				return errors.New("publishing needs GCP_PROJECT_ID and an ingestion topic")
			}
			n.SenderID = delivery.Identity(sender)

			psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
			if err != nil {
				return fmt.Errorf("failed to connect to pubsub: %w", err)
			}
			defer func() { _ = psClient.Close() }()

			publisher := psClient.Publisher(ps.ResourceName(cfg.ProjectID, cfg.Ingestion.TopicID, ps.Pub))
			defer publisher.Stop()

			id, err := ps.NewProducer(publisher).Publish(ctx, delivery.DeliveryRequest{
				Kind:         delivery.KindNotification,
				Recipient:    delivery.Identity(recipient),
				Notification: &n,
			})
			if err != nil {
				return err
			}
			logger.Info().Str("pubsub_id", id).Str("recipient", recipient).Msg("Notification request published.")
			return nil
		},
	}
	c.Flags().StringVar(&recipient, "recipient", "", "identity to notify")
	c.Flags().StringVar(&sender, "sender", "", "sending identity, empty for system notifications")
	c.Flags().StringVar(&n.Type, "type", "", "notification type, e.g. order")
	c.Flags().StringVar(&n.Title, "title", "", "notification title")
	c.Flags().StringVar(&n.Body, "body", "", "notification body")
	c.Flags().StringVar(&n.ClientMessageID, "client-id", "", "idempotency key")
	c.Flags().StringToStringVar(&n.Data, "data", nil, "extra key=value pairs")
	_ = c.MarkFlagRequired("recipient")
	_ = c.MarkFlagRequired("type")
	_ = c.MarkFlagRequired("title")
	return c
}

func newThreadMembersCommand(logger zerolog.Logger) *cobra.Command {
	var (
		threadID string
		members  []string
		remove   bool
	)
	c := &cobra.Command{
		Use:   "thread-members",
		Short: "Grant or revoke thread membership in Redis",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return errors.New("REDIS_ADDR is not set")
			}
			rdb, err := newRedisClient(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			a, err := authz.NewRedisThreadAuthorizer(rdb, logger)
			if err != nil {
				return err
			}
			identities := make([]delivery.Identity, len(members))
			for i, m := range members {
				identities[i] = delivery.Identity(m)
			}
			if remove {
				return a.RemoveMember(ctx, threadID, identities...)
			}
			return a.AddMember(ctx, threadID, identities...)
		},
	}
	c.Flags().StringVar(&threadID, "thread", "", "thread ID")
	c.Flags().StringSliceVar(&members, "member", nil, "identity to grant (repeatable)")
	c.Flags().BoolVar(&remove, "remove", false, "revoke instead of grant")
	_ = c.MarkFlagRequired("thread")
	_ = c.MarkFlagRequired("member")
	return c
}
