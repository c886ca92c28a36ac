package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nicat85/BuynityProject-sub001/deliveryservice/config"
	"github.com/Nicat85/BuynityProject-sub001/internal/middleware"
)

func TestNewLogger_Level(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	assert.Equal(t, zerolog.DebugLevel, newLogger().GetLevel())

	t.Setenv("LOG_LEVEL", "nonsense")
	assert.Equal(t, zerolog.InfoLevel, newLogger().GetLevel())
}

func TestCommandFlags(t *testing.T) {
	publish := newPublishNotificationCommand(zerolog.Nop())
	require.NoError(t, publish.ParseFlags([]string{"--recipient", "bob", "--type", "order", "--title", "Paid", "--data", "orderId=7"}))
	data, err := publish.Flags().GetStringToString("data")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"orderId": "7"}, data)

	members := newThreadMembersCommand(zerolog.Nop())
	require.NoError(t, members.ParseFlags([]string{"--thread", "t1", "--member", "alice,bob"}))
	got, err := members.Flags().GetStringSlice("member")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestNewAuthMiddlewares_LocalTrustsHeader(t *testing.T) {
	cfg := &config.AppConfig{RunMode: config.RunModeLocal}
	httpAuth, wsAuth, err := newAuthMiddlewares(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, wsAuth)

	var seen string
	h := httpAuth(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen, _ = middleware.GetUserIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "carol")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "carol", seen)
}

func TestNewAuthMiddlewares_HS256RejectsMissingToken(t *testing.T) {
	cfg := &config.AppConfig{RunMode: config.RunModeProd, Auth: config.YamlAuthConfig{JWTSecret: "s3cret"}}
	httpAuth, _, err := newAuthMiddlewares(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	httpAuth(http.NotFoundHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
