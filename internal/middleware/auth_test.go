package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJWKSTestServer(t *testing.T, privateKey *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	publicKey, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	_ = publicKey.Set(jwk.KeyIDKey, "test-key-id")
	_ = publicKey.Set(jwk.AlgorithmKey, jwa.RS256)
	keySet := jwk.NewSet()
	_ = keySet.AddKey(publicKey)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keySet)
	})
	return httptest.NewServer(mux)
}

func createTestRS256Token(t *testing.T, privateKey *rsa.PrivateKey, userID string, exp time.Time) string {
	t.Helper()
	jwkKey, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, "test-key-id"))
	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(time.Now()).
		Expiration(exp).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkKey))
	require.NoError(t, err)
	return string(signed)
}

// echoUser writes the authenticated user ID back to the caller.
var echoUser = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	_, _ = w.Write([]byte(userID))
})

func TestJWKSAuthenticator(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwksServer := newJWKSTestServer(t, privateKey)
	t.Cleanup(jwksServer.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	auth, err := NewJWKSAuthenticator(ctx, jwksServer.URL+"/.well-known/jwks.json", zerolog.Nop())
	require.NoError(t, err)

	validToken := createTestRS256Token(t, privateKey, "alice", time.Now().Add(time.Hour))
	expiredToken := createTestRS256Token(t, privateKey, "alice", time.Now().Add(-time.Hour))

	testCases := []struct {
		name       string
		header     string
		query      string
		websocket  bool
		wantStatus int
		wantUser   string
	}{
		{name: "valid bearer header", header: "Bearer " + validToken, wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "missing header", wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + validToken, wantStatus: http.StatusUnauthorized},
		{name: "expired token", header: "Bearer " + expiredToken, wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "query token ignored on http", query: validToken, wantStatus: http.StatusUnauthorized},
		{name: "query token accepted on websocket", query: validToken, websocket: true, wantStatus: http.StatusOK, wantUser: "alice"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/connect"
			if tc.query != "" {
				target += "?access_token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()

			handler := auth.HTTPMiddleware(echoUser)
			if tc.websocket {
				handler = auth.WebsocketMiddleware(echoUser)
			}
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			if tc.wantUser != "" {
				assert.Equal(t, tc.wantUser, rr.Body.String())
			}
		})
	}
}

func TestHS256Authenticator(t *testing.T) {
	secret := []byte("local-dev-secret")
	auth := NewHS256Authenticator(secret, zerolog.Nop())

	token, err := jwt.NewBuilder().Subject("bob").Expiration(time.Now().Add(time.Minute)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
	require.NoError(t, err)

	userID, err := auth.Authenticate(string(signed))
	require.NoError(t, err)
	assert.Equal(t, "bob", userID)

	forged, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("other-secret")))
	require.NoError(t, err)
	_, err = auth.Authenticate(string(forged))
	assert.Error(t, err)

	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestHS256Authenticator_RequiresSubject(t *testing.T) {
	secret := []byte("local-dev-secret")
	auth := NewHS256Authenticator(secret, zerolog.Nop())

	token, err := jwt.NewBuilder().Expiration(time.Now().Add(time.Minute)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
	require.NoError(t, err)

	_, err = auth.Authenticate(string(signed))
	assert.Error(t, err)
}

func TestNoopAuth(t *testing.T) {
	rr := httptest.NewRecorder()
	NoopAuth(true, "test-user-id")(echoUser).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "test-user-id", rr.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "carol")
	rr = httptest.NewRecorder()
	NoopAuth(true, "test-user-id")(echoUser).ServeHTTP(rr, req)
	assert.Equal(t, "carol", rr.Body.String())

	rr = httptest.NewRecorder()
	NoopAuth(false, "")(echoUser).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireScope(t *testing.T) {
	secret := []byte("local-dev-secret")
	auth := NewHS256Authenticator(secret, zerolog.Nop())
	sign := func(scope any) string {
		builder := jwt.NewBuilder().Subject("svc-orders").Expiration(time.Now().Add(time.Minute))
		if scope != nil {
			builder = builder.Claim("scope", scope)
		}
		token, err := builder.Build()
		require.NoError(t, err)
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, secret))
		require.NoError(t, err)
		return string(signed)
	}

	testCases := []struct {
		name       string
		scope      any
		wantStatus int
	}{
		{name: "space separated scope string", scope: "profile " + ScopeNotificationsSend, wantStatus: http.StatusOK},
		{name: "scope list", scope: []string{ScopeNotificationsSend}, wantStatus: http.StatusOK},
		{name: "other scopes only", scope: "profile threads:read", wantStatus: http.StatusForbidden},
		{name: "no scope claim", wantStatus: http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/users/bob/notifications", nil)
			req.Header.Set("Authorization", "Bearer "+sign(tc.scope))
			rr := httptest.NewRecorder()

			auth.HTTPMiddleware(RequireScope(ScopeNotificationsSend)(echoUser)).ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
		})
	}
}

func TestNoopAuth_Scopes(t *testing.T) {
	handler := NoopAuth(true, "svc")(RequireScope(ScopeNotificationsSend)(echoUser))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Scopes", ScopeNotificationsSend)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "svc", rr.Body.String())
}
