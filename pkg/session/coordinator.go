/*
File: pkg/session/coordinator.go
Description: The process-wide credential holder. It attaches the access
credential to outgoing requests and serialises token refresh so that N
concurrent 401s cost exactly one call to the refresh endpoint.
*/
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshTimeout bounds a refresh call when Config leaves it unset.
const DefaultRefreshTimeout = 10 * time.Second

type Config struct {
	RefreshTimeout time.Duration
}

// Coordinator owns the credential pair of one process.
type Coordinator struct {
	refresher      Refresher
	store          CredentialStore
	refreshTimeout time.Duration
	logger         zerolog.Logger

	mu         sync.Mutex
	creds      Credentials
	state      State
	refreshing bool
	// waiters are released in registration order. Each channel is buffered
	// so the release never blocks on a waiter that gave up.
	waiters []chan Credentials
	// generation changes whenever credentials are replaced from outside a
	// refresh, so a refresh that finishes afterwards discards its result.
	generation uint64
}

// NewCoordinator creates an Anonymous coordinator. Call Restore to pick up
// credentials persisted by an earlier run.
func NewCoordinator(cfg Config, refresher Refresher, store CredentialStore, logger zerolog.Logger) (*Coordinator, error) {
	if refresher == nil || store == nil {
		return nil, errors.New("session coordinator requires a refresher and a credential store")
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	return &Coordinator{
		refresher:      refresher,
		store:          store,
		refreshTimeout: cfg.RefreshTimeout,
		logger:         logger.With().Str("component", "SessionCoordinator").Logger(),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticate stores a freshly issued pair and persists it. Callers
// waiting on an in-flight refresh are released with the new pair.
func (c *Coordinator) Authenticate(ctx context.Context, creds Credentials) error {
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		return errors.New("authenticate requires an access and a refresh credential")
	}

	c.mu.Lock()
	c.creds = creds
	c.state = Authenticated
	c.generation++
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	release(waiters, creds)

	if err := c.store.Save(ctx, creds); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	c.logger.Debug().Msg("Session authenticated.")
	return nil
}

// Restore loads persisted credentials. Missing or unreadable state leaves
// the coordinator Anonymous; corrupt state is deleted.
func (c *Coordinator) Restore(ctx context.Context) State {
	creds, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoCredentials):
		return c.State()
	case err != nil:
		c.logger.Warn().Err(err).Msg("Discarding unreadable persisted credentials.")
		if errors.Is(err, ErrCorruptCredentials) {
			if delErr := c.store.Delete(ctx); delErr != nil {
				c.logger.Error().Err(delErr).Msg("Failed to delete corrupt credentials.")
			}
		}
		return c.State()
	case creds.AccessToken == "" || creds.RefreshToken == "":
		c.logger.Warn().Msg("Persisted credentials are incomplete, staying anonymous.")
		return c.State()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Anonymous {
		c.creds = creds
		c.state = Authenticated
		c.generation++
	}
	return c.state
}

// Clear drops all credentials and the persisted copy. Callers waiting on a
// refresh fail with ErrSessionExpired.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	c.creds = Credentials{}
	c.state = Anonymous
	c.generation++
	waiters := c.takeWaitersLocked()
	c.mu.Unlock()

	release(waiters, Credentials{})
	c.deletePersisted()
	c.logger.Debug().Msg("Session cleared.")
}

// Attach sets the bearer credential on req when one is held. Otherwise req
// is left untouched.
func (c *Coordinator) Attach(req *http.Request) {
	c.attachHeader(req.Header)
}

func (c *Coordinator) attachHeader(h http.Header) {
	c.mu.Lock()
	access := c.creds.AccessToken
	c.mu.Unlock()
	if access != "" {
		setBearer(h, access)
	}
}

// HandleUnauthorized recovers a request that came back 401. The request is
// replayed through doer at most once, with a refreshed credential. The
// caller is responsible for closing the body of the rejected response.
func (c *Coordinator) HandleUnauthorized(ctx context.Context, req *http.Request, doer Doer) (*http.Response, error) {
	if IsReplay(req) {
		return nil, fmt.Errorf("replayed request to %s rejected again: %w", req.URL.Path, ErrSessionExpired)
	}

	creds, err := c.freshCredentials(ctx, bearerToken(req.Header))
	if err != nil {
		return nil, err
	}
	return c.replay(ctx, req, creds.AccessToken, doer)
}

// freshCredentials returns a pair newer than sent. It either runs the
// refresh, waits for the one in flight, or returns the current pair when a
// refresh already superseded sent.
func (c *Coordinator) freshCredentials(ctx context.Context, sent string) (Credentials, error) {
	c.mu.Lock()

	if c.refreshing {
		ch := make(chan Credentials, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case creds := <-ch:
			if creds.IsZero() {
				return Credentials{}, fmt.Errorf("refresh did not produce credentials: %w", ErrSessionExpired)
			}
			return creds, nil
		case <-ctx.Done():
			return Credentials{}, fmt.Errorf("waiting for refresh: %w", ctx.Err())
		}
	}

	if c.state == Anonymous || c.creds.RefreshToken == "" {
		c.mu.Unlock()
		return Credentials{}, fmt.Errorf("no credentials held: %w", ErrSessionExpired)
	}

	if sent != "" && sent != c.creds.AccessToken {
		creds := c.creds
		c.mu.Unlock()
		return creds, nil
	}

	c.refreshing = true
	c.state = Refreshing
	refreshToken := c.creds.RefreshToken
	generation := c.generation
	c.mu.Unlock()

	return c.refresh(ctx, refreshToken, generation)
}

// refresh runs as the single owner. Waiters are released on every exit
// path, including a refresher that ignores its deadline.
func (c *Coordinator) refresh(ctx context.Context, refreshToken string, generation uint64) (creds Credentials, err error) {
	defer func() {
		creds, err = c.finishRefresh(creds, err, generation)
	}()

	refreshCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	type result struct {
		creds Credentials
		err   error
	}
	done := make(chan result, 1)
	go func() {
		got, err := c.refresher.Refresh(refreshCtx, refreshToken)
		done <- result{creds: got, err: err}
	}()

	c.logger.Debug().Msg("Refreshing session credentials.")
	var r result
	select {
	case r = <-done:
	case <-refreshCtx.Done():
		return Credentials{}, fmt.Errorf("refresh aborted: %w", refreshCtx.Err())
	}
	if r.err != nil {
		return Credentials{}, r.err
	}
	if r.creds.AccessToken == "" {
		return Credentials{}, errors.New("refresh returned an empty access credential")
	}
	if r.creds.RefreshToken == "" {
		r.creds.RefreshToken = refreshToken
	}
	return r.creds, nil
}

func (c *Coordinator) finishRefresh(creds Credentials, err error, generation uint64) (Credentials, error) {
	c.mu.Lock()
	c.refreshing = false
	waiters := c.takeWaitersLocked()

	if c.generation != generation {
		// Authenticate or Clear ran meanwhile and already released waiters.
		current := c.creds
		c.mu.Unlock()
		release(waiters, current)
		if current.IsZero() {
			return Credentials{}, fmt.Errorf("session replaced during refresh: %w", ErrSessionExpired)
		}
		return current, nil
	}

	if err != nil {
		c.creds = Credentials{}
		c.state = Anonymous
		c.generation++
		c.mu.Unlock()

		release(waiters, Credentials{})
		c.deletePersisted()
		c.logger.Warn().Err(err).Int("waiters", len(waiters)).Msg("Session refresh failed, session cleared.")

		if errors.Is(err, ErrRefreshRejected) {
			return Credentials{}, fmt.Errorf("refresh failed: %w", err)
		}
		return Credentials{}, fmt.Errorf("%w: refresh failed: %w", ErrSessionExpired, err)
	}

	c.creds = creds
	c.state = Authenticated
	c.mu.Unlock()

	release(waiters, creds)

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if saveErr := c.store.Save(saveCtx, creds); saveErr != nil {
		c.logger.Error().Err(saveErr).Msg("Failed to persist refreshed credentials.")
	}
	c.logger.Debug().Int("waiters", len(waiters)).Msg("Session refreshed.")
	return creds, nil
}

func (c *Coordinator) deletePersisted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Delete(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to delete persisted credentials.")
	}
}

func (c *Coordinator) replay(ctx context.Context, req *http.Request, access string, doer Doer) (*http.Response, error) {
	retry, err := cloneForReplay(ctx, req)
	if err != nil {
		return nil, err
	}
	setBearer(retry.Header, access)

	resp, err := doer.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("replayed request to %s rejected again: %w", req.URL.Path, ErrSessionExpired)
	}
	return resp, nil
}

// takeWaitersLocked must be called with c.mu held.
func (c *Coordinator) takeWaitersLocked() []chan Credentials {
	waiters := c.waiters
	c.waiters = nil
	return waiters
}

func (c *Coordinator) pendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func release(waiters []chan Credentials, creds Credentials) {
	for _, ch := range waiters {
		ch <- creds
	}
}

type replayKey struct{}

// MarkReplayed returns a copy of req flagged as a replay.
func MarkReplayed(req *http.Request) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), replayKey{}, true))
}

// IsReplay reports whether req was produced by MarkReplayed.
func IsReplay(req *http.Request) bool {
	replayed, _ := req.Context().Value(replayKey{}).(bool)
	return replayed
}

func cloneForReplay(ctx context.Context, req *http.Request) (*http.Request, error) {
	retry := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request to %s has a body that cannot be replayed", req.URL.Path)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		retry.Body = body
	}
	return MarkReplayed(retry), nil
}

func setBearer(h http.Header, token string) {
	h.Set("Authorization", "Bearer "+token)
}

func bearerToken(h http.Header) string {
	token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return token
}
