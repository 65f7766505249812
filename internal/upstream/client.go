// Package upstream implements the REST clients for the project-management
// backends (OpenProject and ERPNext) behind a single Backend interface.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perrors "github.com/p-blackswan/tasksync/internal/errors"
	"github.com/p-blackswan/tasksync/internal/requestid"
)

// IdempotencyHeader carries the idempotency key on create calls.
const IdempotencyHeader = "Idempotency-Key"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// Options tunes the shared HTTP layer.
type Options struct {
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// RateLimit and Burst configure the outbound token bucket. A zero
	// RateLimit disables limiting.
	RateLimit rate.Limit
	Burst     int
	// HTTPClient replaces the default client (tests).
	HTTPClient HTTPClient
}

// client is the authenticated, rate-limited JSON transport shared by both
// backends.
type client struct {
	service    string
	baseURL    string
	httpClient HTTPClient
	auth       Authenticator
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

func newClient(service, baseURL string, auth Authenticator, opts Options, logger zerolog.Logger) *client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var hc HTTPClient = &http.Client{Timeout: timeout}
	if opts.HTTPClient != nil {
		hc = opts.HTTPClient
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &client{
		service:    service,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: hc,
		auth:       auth,
		limiter:    limiter,
		logger:     logger.With().Str("component", "upstream").Str("backend", service).Logger(),
	}
}

// do executes an authenticated request and decodes a JSON response into out
// when out is non-nil. Non-2xx responses become *perrors.APIError.
// correlationID is sent as X-Request-ID; when empty the request id in ctx is
// used instead.
func (c *client) do(ctx context.Context, correlationID, method, path string, headers map[string]string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
			}
			return fmt.Errorf("%w: %s %s: %v", perrors.ErrRateLimit, method, path, err)
		}
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if correlationID == "" {
		correlationID, _ = requestid.Lookup(ctx)
	}
	if correlationID != "" {
		req.Header.Set(requestid.Header, correlationID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := c.auth.Apply(req); err != nil {
		return fmt.Errorf("applying auth: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("correlation_id", correlationID).
		Msg("upstream call")

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := perrors.NewAPIError(c.service, resp.StatusCode, errorMessage(raw, resp.Status))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			apiErr.Err = perrors.ErrAuthFailure
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *client) transportError(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s %s: %v", perrors.ErrTimeout, method, path, err)
	}
	return fmt.Errorf("%w: %s %s: %v", perrors.ErrUnavailable, method, path, err)
}

// errorMessage extracts a human message from an error body. Both backends
// use "message"; Frappe also reports "exception" and "exc_type".
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Message   any    `json:"message"`
		Exception string `json:"exception"`
		ExcType   string `json:"exc_type"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if s, ok := body.Message.(string); ok && s != "" {
			return s
		}
		if body.Exception != "" {
			return body.Exception
		}
		if body.ExcType != "" {
			return body.ExcType
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) <= 200 && !strings.HasPrefix(s, "<") {
		return s
	}
	return fallback
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
