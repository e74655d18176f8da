// Package transport builds the HTTP session shared by the crawler and the
// downloader: a pooled transport, default browser headers, and retries of
// transient 5xx responses below the callers' own retry policies.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kal-eido-scope/Epstein-downloader/config"
	"github.com/kal-eido-scope/Epstein-downloader/retry"
)

var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Session is a RoundTripper that sets default headers and retries
// idempotent requests answered with a transient server error.
type Session struct {
	base      http.RoundTripper
	userAgent string
	headers   map[string]string
	policy    retry.Policy
}

// New builds a Session over a pooled http.Transport.
func New(cfg config.HTTPConfig) *Session {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	return Wrap(base, cfg)
}

// Wrap layers the session behaviour over an existing RoundTripper.
func Wrap(base http.RoundTripper, cfg config.HTTPConfig) *Session {
	return &Session{
		base:      base,
		userAgent: cfg.UserAgent,
		headers:   cfg.Headers,
		policy: retry.Policy{
			Attempts: cfg.ServerRetries + 1,
			Backoff:  retry.Exponential(cfg.ServerBackoff, 0, 0),
		},
	}
}

// Client returns an http.Client using the session with a per-request timeout.
func (s *Session) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: s, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	for key, value := range s.headers {
		existing := req.Header.Get(key)
		switch {
		case existing == "":
			req.Header.Set(key, value)
		case http.CanonicalHeaderKey(key) == "Cookie" && !strings.Contains(existing, value):
			// cookies from a jar are merged with the configured ones
			req.Header.Set("Cookie", existing+"; "+value)
		}
	}

	if req.Body != nil && req.Body != http.NoBody {
		return s.base.RoundTrip(req)
	}

	var resp *http.Response
	err := s.policy.Do(req.Context(), func(ctx context.Context, attempt int) error {
		r, err := s.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if retryableStatus[r.StatusCode] && attempt < s.policy.Attempts && s.canWait(ctx, attempt) {
			r.Body.Close()
			return fmt.Errorf("server error: %s", r.Status)
		}
		resp = r
		return nil
	})
	if err != nil {
		errs := retry.Errors(err)
		return nil, errs[len(errs)-1]
	}
	return resp, nil
}

// canWait reports whether the backoff after attempt ends before the
// request deadline. Past it, the last server error is returned as is.
func (s *Session) canWait(ctx context.Context, attempt int) bool {
	deadline, ok := ctx.Deadline()
	if !ok || s.policy.Backoff == nil {
		return true
	}
	return time.Now().Add(s.policy.Backoff(attempt, nil)).Before(deadline)
}
