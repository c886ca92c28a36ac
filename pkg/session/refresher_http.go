package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRefresher calls a refresh endpoint that takes {"refreshToken"} and
// answers with a new {"accessToken","refreshToken"} pair.
type HTTPRefresher struct {
	url    string
	client *http.Client
}

// NewHTTPRefresher uses http.DefaultClient when client is nil. The client
// must not itself carry a session Transport.
func NewHTTPRefresher(url string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{url: url, client: client}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Credentials{}, fmt.Errorf("%w: status %d", ErrRefreshRejected, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Credentials{}, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("refresh response has no access token")
	}
	return creds, nil
}
