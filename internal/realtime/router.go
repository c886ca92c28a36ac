package realtime

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// GroupRouter fans a payload out to every member of a group. A connection
// that fails a push is treated as gone: it is unregistered and closed, and
// delivery to the remaining members continues.
type GroupRouter struct {
	registry *Registry
	pusher   delivery.Pusher
	metrics  *metrics.Collectors
	logger   zerolog.Logger
}

// NewGroupRouter creates a router over the registry. collectors may be nil.
func NewGroupRouter(registry *Registry, pusher delivery.Pusher, collectors *metrics.Collectors, logger zerolog.Logger) *GroupRouter {
	return &GroupRouter{
		registry: registry,
		pusher:   pusher,
		metrics:  collectors,
		logger:   logger.With().Str("component", "GroupRouter").Logger(),
	}
}

// Send pushes payload to each member of group and returns how many pushes
// succeeded. An empty or unknown group delivers to nobody.
func (r *GroupRouter) Send(ctx context.Context, group string, payload []byte) int {
	members := r.registry.MembersOf(group)
	if r.metrics != nil {
		r.metrics.FanoutSize.Observe(float64(len(members)))
	}

	delivered := 0
	for _, connID := range members {
		if err := r.pusher.Push(ctx, connID, payload); err != nil {
			r.dropConnection(group, connID, err)
			continue
		}
		delivered++
		if r.metrics != nil {
			r.metrics.Pushes.WithLabelValues("ok").Inc()
		}
	}
	return delivered
}

// SendToIdentity delivers to every live connection of one identity.
func (r *GroupRouter) SendToIdentity(ctx context.Context, identity delivery.Identity, payload []byte) int {
	return r.Send(ctx, delivery.UserGroup(identity), payload)
}

func (r *GroupRouter) dropConnection(group string, connID delivery.ConnectionID, err error) {
	r.logger.Warn().Err(err).
		Str("group", group).
		Str("connection_id", string(connID)).
		Msg("Push failed, removing connection.")

	r.registry.Unregister(connID)
	r.pusher.Close(connID)

	if r.metrics != nil {
		outcome := "failed"
		if errors.Is(err, errSendQueueFull) {
			outcome = "backpressure"
		}
		r.metrics.Pushes.WithLabelValues(outcome).Inc()
		r.metrics.ImplicitDisconnect.Inc()
	}
}
