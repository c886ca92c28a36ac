package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRefresher(t *testing.T) {
	testCases := []struct {
		name         string
		status       int
		body         string
		want         Credentials
		wantRejected bool
		wantErr      bool
	}{
		{name: "issued", status: http.StatusOK, body: `{"accessToken":"a2","refreshToken":"r2"}`, want: Credentials{AccessToken: "a2", RefreshToken: "r2"}},
		{name: "unauthorized", status: http.StatusUnauthorized, wantRejected: true},
		{name: "forbidden", status: http.StatusForbidden, wantRejected: true},
		{name: "bad request", status: http.StatusBadRequest, wantRejected: true},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
		{name: "missing access token", status: http.StatusOK, body: `{"refreshToken":"r2"}`, wantErr: true},
		{name: "garbage", status: http.StatusOK, body: `not json`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotToken string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				gotToken = body["refreshToken"]
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			creds, err := NewHTTPRefresher(srv.URL, srv.Client()).Refresh(context.Background(), "r1")
			assert.Equal(t, "r1", gotToken)

			switch {
			case tc.wantRejected:
				assert.ErrorIs(t, err, ErrRefreshRejected)
			case tc.wantErr:
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrSessionExpired)
			default:
				require.NoError(t, err)
				assert.Equal(t, tc.want, creds)
			}
		})
	}
}
