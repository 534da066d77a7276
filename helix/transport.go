// Package helix provides a typed client for the Twitch Helix REST API with
// rate-limit tracking, retry handling, and registry-driven validation.
package helix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/glowstream/glowstream/errs"
)

// Transport executes a single Helix HTTP exchange. Implementations must
// surface the decoded rate-limit headers on every response they return.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Request is one Helix call bound to a method and a path relative to the
// API base URL. Repeated values under one query key are emitted in the
// order they were added.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Response carries the status, raw body, and rate-limit headers of a
// completed exchange.
type Response struct {
	Status    int
	Body      []byte
	RateLimit RateLimitHeaders
}

// RateLimitHeaders holds the decoded Ratelimit-* headers Twitch attaches
// to every Helix response.
type RateLimitHeaders struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// DefaultRequestsPerMinute matches the documented Helix bucket size for a
// single app access token.
const DefaultRequestsPerMinute = 800

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
)

// HTTPTransport is the production Transport. Outbound calls pass through a
// local token bucket, and responses without rate-limit headers are rejected.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// TransportOption customises an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithRequestsPerMinute resizes the outbound token bucket. Zero or negative
// disables local throttling.
func WithRequestsPerMinute(limit int) TransportOption {
	return func(t *HTTPTransport) {
		if limit <= 0 {
			t.limiter = nil
			return
		}
		t.limiter = rate.NewLimiter(rate.Limit(float64(limit)/60.0), 1)
	}
}

// NewHTTPTransport builds a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(float64(DefaultRequestsPerMinute)/60.0), 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Do performs the exchange and decodes the rate-limit headers.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, errs.New("transport", errs.CodeTransport,
				errs.WithMessage("throttle wait interrupted"), errs.WithCause(err))
		}
	}
	endpoint := t.baseURL + "/" + strings.TrimPrefix(strings.TrimSpace(req.Path), "/")
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, body)
	if err != nil {
		return nil, errs.New("transport", errs.CodeTransport,
			errs.WithMessage("create request"), errs.WithCause(err))
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.New("transport", errs.CodeTransport,
				errs.WithMessage("request cancelled"), errs.WithCause(ctxErr))
		}
		return nil, errs.New("transport", errs.CodeTransport,
			errs.WithMessage("perform request"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errs.New("transport", errs.CodeTransport,
			errs.WithMessage("read response body"), errs.WithCause(err))
	}
	limits, err := parseRateLimitHeaders(resp.Header)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Body: raw, RateLimit: limits}, nil
}

func parseRateLimitHeaders(header http.Header) (RateLimitHeaders, error) {
	limit, err := rateLimitHeaderValue(header, "Ratelimit-Limit")
	if err != nil {
		return RateLimitHeaders{}, err
	}
	remaining, err := rateLimitHeaderValue(header, "Ratelimit-Remaining")
	if err != nil {
		return RateLimitHeaders{}, err
	}
	reset, err := rateLimitHeaderValue(header, "Ratelimit-Reset")
	if err != nil {
		return RateLimitHeaders{}, err
	}
	return RateLimitHeaders{
		Limit:     limit,
		Remaining: remaining,
		Reset:     time.Unix(int64(reset), 0),
	}, nil
}

func rateLimitHeaderValue(header http.Header, name string) (int, error) {
	value := strings.TrimSpace(header.Get(name))
	if value == "" {
		return 0, errs.New("transport", errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("missing %s header", name)))
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errs.New("transport", errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("malformed %s header", name)), errs.WithCause(err))
	}
	return n, nil
}
