package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Nicat85/BuynityProject-sub001/internal/platform/metrics"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

// --- Mocks ---

type mockPusher struct {
	mock.Mock
}

func (m *mockPusher) Push(ctx context.Context, connID delivery.ConnectionID, payload []byte) error {
	args := m.Called(ctx, connID, payload)
	return args.Error(0)
}

func (m *mockPusher) Close(connID delivery.ConnectionID) {
	m.Called(connID)
}

func newRouterFixture(t *testing.T) (*Registry, *mockPusher, *metrics.Collectors, *GroupRouter) {
	t.Helper()
	m := metrics.New()
	registry := NewRegistry(m)
	pusher := new(mockPusher)
	router := NewGroupRouter(registry, pusher, m, zerolog.Nop())
	return registry, pusher, m, router
}

func TestGroupRouter_SendToAllMembers(t *testing.T) {
	registry, pusher, m, router := newRouterFixture(t)
	ctx := context.Background()
	payload := []byte(`{"type":"message"}`)

	for i := 1; i <= 3; i++ {
		id := delivery.ConnectionID(fmt.Sprintf("c%d", i))
		require.NoError(t, registry.Register(id, delivery.Identity(fmt.Sprintf("u%d", i))))
		require.NoError(t, registry.JoinGroup(id, "thread:t1"))
	}
	pusher.On("Push", ctx, mock.Anything, payload).Return(nil).Times(3)

	delivered := router.Send(ctx, "thread:t1", payload)

	assert.Equal(t, 3, delivered)
	pusher.AssertExpectations(t)
	pusher.AssertNotCalled(t, "Close", mock.Anything)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Pushes.WithLabelValues("ok")))
}

func TestGroupRouter_EmptyGroup(t *testing.T) {
	_, pusher, _, router := newRouterFixture(t)

	delivered := router.Send(context.Background(), "thread:nobody", []byte("x"))

	assert.Equal(t, 0, delivered)
	pusher.AssertNotCalled(t, "Push", mock.Anything, mock.Anything, mock.Anything)
}

func TestGroupRouter_FailedPushUnregistersConnection(t *testing.T) {
	registry, pusher, m, router := newRouterFixture(t)
	ctx := context.Background()
	payload := []byte("hello")

	require.NoError(t, registry.Register("good", "alice"))
	require.NoError(t, registry.Register("bad", "bob"))
	require.NoError(t, registry.JoinGroup("good", "thread:t1"))
	require.NoError(t, registry.JoinGroup("bad", "thread:t1"))

	pusher.On("Push", ctx, delivery.ConnectionID("good"), payload).Return(nil).Once()
	pusher.On("Push", ctx, delivery.ConnectionID("bad"), payload).Return(errors.New("broken pipe")).Once()
	pusher.On("Close", delivery.ConnectionID("bad")).Return().Once()

	delivered := router.Send(ctx, "thread:t1", payload)

	assert.Equal(t, 1, delivered)
	pusher.AssertExpectations(t)
	assert.Equal(t, []delivery.ConnectionID{"good"}, registry.MembersOf("thread:t1"))
	assert.Empty(t, registry.ConnectionsOf("bob"))
	_, ok := registry.IdentityOf("bad")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ImplicitDisconnect))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pushes.WithLabelValues("failed")))
}

func TestGroupRouter_BackpressureIsCountedSeparately(t *testing.T) {
	registry, pusher, m, router := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, registry.Register("slow", "alice"))
	pusher.On("Push", ctx, delivery.ConnectionID("slow"), mock.Anything).
		Return(fmt.Errorf("%w: %w", delivery.ErrPushFailed, errSendQueueFull)).Once()
	pusher.On("Close", delivery.ConnectionID("slow")).Return().Once()

	assert.Equal(t, 0, router.SendToIdentity(ctx, "alice", []byte("x")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Pushes.WithLabelValues("backpressure")))
}

func TestGroupRouter_SendToIdentityReachesEveryDevice(t *testing.T) {
	registry, pusher, _, router := newRouterFixture(t)
	ctx := context.Background()
	payload := []byte("n1")

	require.NoError(t, registry.Register("phone", "alice"))
	require.NoError(t, registry.Register("laptop", "alice"))
	require.NoError(t, registry.Register("other", "bob"))

	pusher.On("Push", ctx, delivery.ConnectionID("phone"), payload).Return(nil).Once()
	pusher.On("Push", ctx, delivery.ConnectionID("laptop"), payload).Return(nil).Once()

	assert.Equal(t, 2, router.SendToIdentity(ctx, "alice", payload))
	pusher.AssertExpectations(t)
	pusher.AssertNotCalled(t, "Push", ctx, delivery.ConnectionID("other"), payload)
}
