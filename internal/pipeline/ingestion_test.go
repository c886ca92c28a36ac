package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Nicat85/BuynityProject-sub001/internal/pipeline"
	ps "github.com/Nicat85/BuynityProject-sub001/internal/platform/pubsub"
	"github.com/Nicat85/BuynityProject-sub001/pkg/delivery"
)

func TestDeliveryRequestTransformer(t *testing.T) {
	testCases := []struct {
		name        string
		payload     string
		expectError bool
		expectKind  delivery.RequestKind
	}{
		{
			name:       "Success - chat",
			payload:    `{"kind":"chat","message":{"threadId":"t1","senderId":"alice","text":"hi"}}`,
			expectKind: delivery.KindChat,
		},
		{
			name:       "Success - notification",
			payload:    `{"kind":"notification","recipient":"bob","notification":{"type":"order","title":"Paid"}}`,
			expectKind: delivery.KindNotification,
		},
		{name: "Failure - not json", payload: `{{`, expectError: true},
		{name: "Failure - unknown kind", payload: `{"kind":"fax"}`, expectError: true},
		{name: "Failure - notification without recipient", payload: `{"kind":"notification","notification":{"title":"x"}}`, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := &ps.Message{ID: "msg-1", Payload: []byte(tc.payload)}
			req, skip, err := pipeline.DeliveryRequestTransformer(context.Background(), msg)
			if tc.expectError {
				require.Error(t, err)
				assert.True(t, skip)
				assert.Nil(t, req)
				return
			}
			require.NoError(t, err)
			assert.False(t, skip)
			assert.Equal(t, tc.expectKind, req.Kind)
		})
	}
}

func TestDeliveryProcessor(t *testing.T) {
	fx := newFixture(t)
	process := pipeline.NewDeliveryProcessor(fx.pipeline, zerolog.Nop())
	ctx := context.Background()
	msg := ps.Message{ID: "msg-1"}

	err := process(ctx, msg, &delivery.DeliveryRequest{
		Kind:    delivery.KindChat,
		Message: &delivery.ChatMessage{ThreadID: "t1", SenderID: "alice", Text: "via pubsub"},
	})
	require.NoError(t, err)
	assert.Len(t, fx.broadcaster.Sends(), 1)

	err = process(ctx, msg, &delivery.DeliveryRequest{
		Kind:    delivery.KindChat,
		Message: &delivery.ChatMessage{ThreadID: "t1", SenderID: "mallory", Text: "dropped"},
	})
	assert.NoError(t, err, "non-members are dropped, not retried")

	fx.store.FailWith(errors.New("db unavailable"))
	err = process(ctx, msg, &delivery.DeliveryRequest{
		Kind:         delivery.KindNotification,
		Recipient:    "bob",
		Notification: &delivery.Notification{Title: "retry me"},
	})
	assert.ErrorIs(t, err, delivery.ErrPersistenceFailed)
}

func TestDeliveryProcessor_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	msg := ps.Message{ID: "msg-2"}
	chat := &delivery.ChatMessage{ThreadID: "t1", SenderID: "alice", Text: "hello"}

	testCases := []struct {
		name        string
		setup       func(store *mockMessageStore, authorizer *mockAuthorizer)
		req         *delivery.DeliveryRequest
		expectRetry bool
	}{
		{
			name: "authorizer unavailable is retried",
			setup: func(_ *mockMessageStore, authorizer *mockAuthorizer) {
				authorizer.On("IsThreadMember", ctx, delivery.Identity("alice"), "t1").Return(false, errors.New("redis: connection refused"))
			},
			req:         &delivery.DeliveryRequest{Kind: delivery.KindChat, Message: chat},
			expectRetry: true,
		},
		{
			name: "non-member is dropped",
			setup: func(_ *mockMessageStore, authorizer *mockAuthorizer) {
				authorizer.On("IsThreadMember", ctx, delivery.Identity("alice"), "t1").Return(false, nil)
			},
			req: &delivery.DeliveryRequest{Kind: delivery.KindChat, Message: chat},
		},
		{
			name:  "unknown kind is dropped",
			setup: func(*mockMessageStore, *mockAuthorizer) {},
			req:   &delivery.DeliveryRequest{Kind: "fax"},
		},
		{
			name: "client id owned by someone else is dropped",
			setup: func(store *mockMessageStore, _ *mockAuthorizer) {
				store.On("FindNotificationByClientMessageID", ctx, "n-1").
					Return(delivery.PersistedNotification{ID: "n", Recipient: "carol", ClientMessageID: "n-1"}, true, nil)
			},
			req: &delivery.DeliveryRequest{
				Kind:         delivery.KindNotification,
				Recipient:    "bob",
				Notification: &delivery.Notification{Title: "x", ClientMessageID: "n-1"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := new(mockMessageStore)
			authorizer := new(mockAuthorizer)
			tc.setup(store, authorizer)
			p := pipeline.NewMessagePipeline(store, authorizer, &recordingBroadcaster{}, nil, zerolog.Nop())
			process := pipeline.NewDeliveryProcessor(p, zerolog.Nop())

			err := process(ctx, msg, tc.req)

			if tc.expectRetry {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			store.AssertNotCalled(t, "PersistMessage", mock.Anything, mock.Anything)
			store.AssertNotCalled(t, "PersistNotification", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
