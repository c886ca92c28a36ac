// Package test provides helpers for end-to-end tests of the delivery
// service: an in-memory Pub/Sub, a JWKS endpoint and RS256 token minting.
package test

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const testKeyID = "test-key-id"

// JWKSPath is where NewJWKSTestServer publishes its key set.
const JWKSPath = "/.well-known/jwks.json"

// NewPubsubTestClient starts an in-memory Pub/Sub server and returns a
// client connected to it. Both are closed when the test ends.
func NewPubsubTestClient(t *testing.T, projectID string) *pubsub.Client {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// NewJWKSTestServer publishes the public half of privateKey at JWKSPath.
func NewJWKSTestServer(t *testing.T, privateKey *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	publicKey, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	require.NoError(t, publicKey.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, publicKey.Set(jwk.AlgorithmKey, jwa.RS256))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(publicKey))

	mux := http.NewServeMux()
	mux.HandleFunc(JWKSPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keySet)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// CreateTestRS256Token signs a token for userID that expires after ttl.
// A negative ttl yields an already expired token. scopes, when given, are
// joined into the "scope" claim.
func CreateTestRS256Token(t *testing.T, privateKey *rsa.PrivateKey, userID string, ttl time.Duration, scopes ...string) string {
	t.Helper()
	key, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))

	now := time.Now()
	issuedAt := now
	if ttl < 0 {
		issuedAt = now.Add(2 * ttl)
	}
	builder := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(issuedAt).
		Expiration(now.Add(ttl))
	if len(scopes) > 0 {
		builder = builder.Claim("scope", strings.Join(scopes, " "))
	}
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}
