// Package session keeps a client's access and refresh credentials and
// coordinates token refresh across concurrent requests: one refresh is in
// flight at a time, every other caller waits for its outcome, and each
// rejected request is replayed at most once.
package session

import (
	"context"
	"net/http"
)

// Credentials is the pair issued by the authentication service.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// IsZero reports whether no access credential is held.
func (c Credentials) IsZero() bool {
	return c.AccessToken == ""
}

// State of a Coordinator.
type State int

const (
	Anonymous State = iota
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// Refresher exchanges a refresh credential for a new pair. Implementations
// return an error wrapping ErrRefreshRejected when the credential is refused.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// CredentialStore persists the credential pair across process restarts.
// Load returns ErrNoCredentials when nothing is stored.
type CredentialStore interface {
	Load(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, creds Credentials) error
	Delete(ctx context.Context) error
}

// Doer sends a request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}
