package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunListen_RequiresSession(t *testing.T) {
	err := runListen(context.Background(), listenOptions{
		wsURL:          "ws://127.0.0.1:1/connect",
		credentialsDir: t.TempDir(),
		namespace:      "session",
	}, &bytes.Buffer{}, zerolog.Nop())
	assert.ErrorContains(t, err, "no stored session")
}

func TestRunListen_JoinsAndPrintsEnvelopes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var frame map[string]string
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "joined", "group": "thread:" + frame["threadId"]})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runListen(context.Background(), listenOptions{
		wsURL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		credentialsDir: t.TempDir(),
		namespace:      "session",
		accessToken:    "a1",
		refreshToken:   "r1",
		threads:        []string{"t1"},
	}, &out, zerolog.Nop())

	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"joined","group":"thread:t1"}`, strings.TrimSpace(out.String()))
}
