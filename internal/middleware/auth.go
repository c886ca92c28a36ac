// Package middleware provides the HTTP and WebSocket authentication layers.
// Requests are authenticated with a JWT bearer token; the token's subject
// becomes the caller's identity in the request context and its "scope"
// claim the caller's granted scopes.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

type userIDKey struct{}

// ContextWithUserID returns a copy of ctx carrying the authenticated user ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserIDFromContext returns the authenticated user ID, if any.
func GetUserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey{}).(string)
	return userID, ok && userID != ""
}

// ScopeNotificationsSend lets a service caller deliver notifications to
// any identity.
const ScopeNotificationsSend = "notifications:send"

type scopesKey struct{}

// ContextWithScopes returns a copy of ctx carrying the caller's scopes.
func ContextWithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

// HasScope reports whether the authenticated caller was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(scopesKey{}).([]string)
	return slices.Contains(scopes, scope)
}

// RequireScope rejects with 403 any request whose caller lacks scope. It
// must run after an authentication middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Authenticator validates JWTs with a fixed set of parse options.
type Authenticator struct {
	parseOpts []jwt.ParseOption
	logger    zerolog.Logger
}

// NewJWKSAuthenticator fetches the key set at jwksURL and keeps it refreshed
// in the background for the lifetime of ctx.
func NewJWKSAuthenticator(ctx context.Context, jwksURL string, logger zerolog.Logger) (*Authenticator, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register jwks url %s: %w", jwksURL, err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", jwksURL, err)
	}
	return NewKeySetAuthenticator(jwk.NewCachedSet(cache, jwksURL), logger), nil
}

// NewKeySetAuthenticator validates tokens against a static key set.
func NewKeySetAuthenticator(set jwk.Set, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		parseOpts: []jwt.ParseOption{
			jwt.WithKeySet(set),
			jwt.WithValidate(true),
			jwt.WithAcceptableSkew(30 * time.Second),
		},
		logger: logger.With().Str("component", "Authenticator").Logger(),
	}
}

// NewHS256Authenticator validates tokens signed with a shared secret.
func NewHS256Authenticator(secret []byte, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		parseOpts: []jwt.ParseOption{
			jwt.WithKey(jwa.HS256, secret),
			jwt.WithValidate(true),
			jwt.WithAcceptableSkew(30 * time.Second),
		},
		logger: logger.With().Str("component", "Authenticator").Logger(),
	}
}

// Authenticate parses and validates raw, returning the token subject.
func (a *Authenticator) Authenticate(raw string) (string, error) {
	token, err := a.parse(raw)
	if err != nil {
		return "", err
	}
	return token.Subject(), nil
}

func (a *Authenticator) parse(raw string) (jwt.Token, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	token, err := jwt.ParseString(raw, a.parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("invalid token: no subject")
	}
	return token, nil
}

// tokenScopes reads the "scope" claim, either a space separated string or
// a list of strings.
func tokenScopes(token jwt.Token) []string {
	claim, ok := token.Get("scope")
	if !ok {
		return nil
	}
	switch v := claim.(type) {
	case string:
		return strings.Fields(v)
	case []any:
		scopes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	case []string:
		return v
	}
	return nil
}

// HTTPMiddleware requires an "Authorization: Bearer" header.
func (a *Authenticator) HTTPMiddleware(next http.Handler) http.Handler {
	return a.middleware(next, bearerToken)
}

// WebsocketMiddleware also accepts the token in the access_token query
// parameter, since browsers cannot set headers on a WebSocket handshake.
func (a *Authenticator) WebsocketMiddleware(next http.Handler) http.Handler {
	return a.middleware(next, func(r *http.Request) string {
		if token := bearerToken(r); token != "" {
			return token
		}
		return r.URL.Query().Get("access_token")
	})
}

func (a *Authenticator) middleware(next http.Handler, extract func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := a.parse(extract(r))
		if err != nil {
			a.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed.")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := ContextWithUserID(r.Context(), token.Subject())
		ctx = ContextWithScopes(ctx, tokenScopes(token))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// NoopAuth authenticates every request as userID. It exists for local runs
// and tests; when enabled is false it rejects every request instead. The
// X-User-Id and X-Scopes headers override the identity and grant scopes.
func NoopAuth(enabled bool, userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			id := userID
			if override := r.Header.Get("X-User-Id"); override != "" {
				id = override
			}
			ctx := ContextWithUserID(r.Context(), id)
			ctx = ContextWithScopes(ctx, strings.Fields(r.Header.Get("X-Scopes")))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
