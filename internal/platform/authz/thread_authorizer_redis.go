// Package authz answers thread membership questions for the delivery core.
package authz

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

type redisClient interface {
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisThreadAuthorizer implements delivery.ThreadAuthorizer on Redis sets.
// The members of a thread live in `thread-members:{threadID}`. The platform's
// thread service owns the sets; AddMember and RemoveMember exist for
// operators and local setups.
type RedisThreadAuthorizer struct {
	client redisClient
	logger zerolog.Logger
}

func NewRedisThreadAuthorizer(client redisClient, logger zerolog.Logger) (*RedisThreadAuthorizer, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisThreadAuthorizer{
		client: client,
		logger: logger.With().Str("component", "RedisThreadAuthorizer").Logger(),
	}, nil
}

func (a *RedisThreadAuthorizer) IsThreadMember(ctx context.Context, identity delivery.Identity, threadID string) (bool, error) {
	if identity == "" || threadID == "" {
		return false, nil
	}
	ok, err := a.client.SIsMember(ctx, membersKey(threadID), string(identity)).Result()
	if err != nil {
		a.logger.Error().Err(err).Str("thread_id", threadID).Msg("Membership lookup failed.")
		return false, fmt.Errorf("failed to check thread membership: %w", err)
	}
	return ok, nil
}

// AddMember grants identities membership of threadID.
func (a *RedisThreadAuthorizer) AddMember(ctx context.Context, threadID string, identities ...delivery.Identity) error {
	if len(identities) == 0 {
		return nil
	}
	if err := a.client.SAdd(ctx, membersKey(threadID), toMembers(identities)...).Err(); err != nil {
		return fmt.Errorf("failed to add thread members: %w", err)
	}
	a.logger.Info().Str("thread_id", threadID).Int("count", len(identities)).Msg("Thread members added.")
	return nil
}

// RemoveMember revokes membership. Live connections already joined to the
// thread group keep receiving until they leave or reconnect.
func (a *RedisThreadAuthorizer) RemoveMember(ctx context.Context, threadID string, identities ...delivery.Identity) error {
	if len(identities) == 0 {
		return nil
	}
	if err := a.client.SRem(ctx, membersKey(threadID), toMembers(identities)...).Err(); err != nil {
		return fmt.Errorf("failed to remove thread members: %w", err)
	}
	return nil
}

func toMembers(identities []delivery.Identity) []interface{} {
	members := make([]interface{}, len(identities))
	for i, id := range identities {
		members[i] = string(id)
	}
	return members
}

func membersKey(threadID string) string { return fmt.Sprintf("thread-members:%s", threadID) }
