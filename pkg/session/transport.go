package session

import (
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that attaches the session credential
// and recovers a 401 through the Coordinator.
type Transport struct {
	Coordinator *Coordinator
	// Base sends the requests. http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	t.Coordinator.Attach(out)

	base := t.base()
	resp, err := base.RoundTrip(out)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return t.Coordinator.HandleUnauthorized(req.Context(), out, DoerFunc(base.RoundTrip))
}

// NewHTTPClient returns a client whose requests carry the session.
func NewHTTPClient(c *Coordinator, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Coordinator: c, Base: base}}
}
