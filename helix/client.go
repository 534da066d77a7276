package helix

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/registry"
)

const (
	maxCallRetries          = 5
	serviceUnavailableDelay = 1000 * time.Millisecond
)

// Client calls Helix endpoints declared in the registry. It validates
// requests before any network I/O, attaches the preferred credential, and
// retries transient failures within a bounded loop.
type Client struct {
	clientID  string
	transport Transport
	ratelimit *Manager
	appToken  TokenProvider
	userToken TokenProvider
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	metrics   *clientMetrics
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(transport Transport) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.transport = transport
		}
	}
}

// WithAppToken installs the app access token provider.
func WithAppToken(provider TokenProvider) ClientOption {
	return func(c *Client) { c.appToken = provider }
}

// WithUserToken installs the client-level user access token provider.
func WithUserToken(provider TokenProvider) ClientOption {
	return func(c *Client) { c.userToken = provider }
}

// WithLogger replaces the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRateLimitManager replaces the rate-limit manager, mainly for tests
// that inject a fake clock.
func WithRateLimitManager(manager *Manager) ClientOption {
	return func(c *Client) {
		if manager != nil {
			c.ratelimit = manager
		}
	}
}

// NewClient builds a Helix client from the given settings.
func NewClient(cfg config.Settings, opts ...ClientOption) *Client {
	c := &Client{
		clientID: cfg.Credentials.ClientID,
		logger:   slog.Default(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		base := strings.TrimSpace(cfg.Helix.BaseURL)
		if base == "" {
			base = config.DefaultHelixBaseURL
		}
		timeout := cfg.Helix.HTTPTimeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		c.transport = NewHTTPTransport(base,
			WithHTTPClient(&http.Client{Timeout: timeout}),
			WithRequestsPerMinute(cfg.Helix.RequestsPerMinute))
	}
	if c.ratelimit == nil {
		c.ratelimit = NewManager(c.logger, time.Now)
	}
	c.metrics = newClientMetrics()
	return c
}

// RateLimitState returns a snapshot of the tracked Helix bucket.
func (c *Client) RateLimitState() errs.RateLimit {
	return c.ratelimit.State()
}

// Params carries the caller-supplied pieces of a Helix call.
type Params struct {
	Query     url.Values
	Body      any
	UserToken TokenProvider
}

// CallOption adjusts a single call.
type CallOption func(*Params)

// AsUser routes the call through the given user token provider instead of
// the client-level one.
func AsUser(provider TokenProvider) CallOption {
	return func(p *Params) { p.UserToken = provider }
}

// Call invokes a registry endpoint by name. The returned map is the parsed
// response body, or nil for endpoints that declare none.
func (c *Client) Call(ctx context.Context, endpoint string, params *Params) (map[string]any, error) {
	ep, ok := registry.LookupEndpoint(endpoint)
	if !ok {
		return nil, errs.New(endpoint, errs.CodeValidation, errs.WithMessage("unknown endpoint"))
	}
	if params == nil {
		params = &Params{}
	}
	if err := validateCallQuery(ep, params.Query); err != nil {
		return nil, err
	}
	body, err := encodeCallBody(ep, params.Body)
	if err != nil {
		return nil, err
	}
	provider, isUser, err := c.selectToken(ep, params.UserToken)
	if err != nil {
		return nil, err
	}
	if isUser && ep.Auth.UserScopes != nil {
		if err := c.checkScopes(ctx, ep, provider); err != nil {
			return nil, err
		}
	}
	token := ""
	if provider != nil {
		token, err = provider.AccessToken(ctx)
		if err != nil {
			return nil, errs.New(ep.Name, errs.CodeAuth,
				errs.WithMessage("obtain access token"), errs.WithCause(err))
		}
	}

	start := time.Now()
	resp, err := c.exchange(ctx, ep, params.Query, body, provider, token)
	c.metrics.recordDuration(ctx, ep.Name, time.Since(start))
	if err != nil {
		return nil, err
	}
	c.metrics.recordRequest(ctx, ep.Name, resp.Status)
	return c.classify(ep, resp)
}

// exchange runs the request loop: one initial attempt plus bounded retries
// for 401 (single refresh), 429, and 503.
func (c *Client) exchange(ctx context.Context, ep *registry.Endpoint, query url.Values, body []byte, provider TokenProvider, token string) (*Response, error) {
	refreshed := false
	retries := 0
	for {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		header.Set("Client-ID", c.clientID)
		resp, err := c.transport.Do(ctx, &Request{
			Method: ep.Method,
			Path:   ep.Path,
			Query:  query,
			Header: header,
			Body:   body,
		})
		if err != nil {
			return nil, err
		}
		c.ratelimit.OnRequestAttempt(resp.RateLimit)
		if retries >= maxCallRetries {
			return resp, nil
		}
		switch resp.Status {
		case http.StatusUnauthorized:
			if refreshed || provider == nil || !provider.CanRefresh() {
				return resp, nil
			}
			fresh, refreshErr := provider.Refresh(ctx)
			if refreshErr != nil {
				return nil, errs.New(ep.Name, errs.CodeAuth,
					errs.WithMessage("refresh access token"), errs.WithCause(refreshErr))
			}
			refreshed = true
			token = fresh
			c.metrics.recordRetry(ctx, ep.Name, "unauthorized")
			c.logger.Debug("retrying after token refresh", slog.String("endpoint", ep.Name))
		case http.StatusTooManyRequests:
			c.metrics.recordRetry(ctx, ep.Name, "rate_limited")
			if err := c.sleep(ctx, c.ratelimit.OnRateLimitHit()); err != nil {
				return nil, errs.New(ep.Name, errs.CodeTransport,
					errs.WithMessage("rate limit wait interrupted"), errs.WithCause(err))
			}
		case http.StatusServiceUnavailable:
			c.metrics.recordRetry(ctx, ep.Name, "unavailable")
			if err := c.sleep(ctx, serviceUnavailableDelay); err != nil {
				return nil, errs.New(ep.Name, errs.CodeTransport,
					errs.WithMessage("retry wait interrupted"), errs.WithCause(err))
			}
		default:
			return resp, nil
		}
		retries++
	}
}

func (c *Client) classify(ep *registry.Endpoint, resp *Response) (map[string]any, error) {
	if slices.Contains(ep.SuccessCodes, resp.Status) {
		c.ratelimit.OnSuccessfulRequest()
		if ep.Response != nil {
			parsed, err := ep.Response.Parse(resp.Body)
			if err != nil {
				return nil, errs.New(ep.Name, errs.CodeAPI, errs.WithHTTP(resp.Status),
					errs.WithMessage("decode response body"), errs.WithCause(err))
			}
			return parsed, nil
		}
		if len(bytes.TrimSpace(resp.Body)) > 0 {
			return nil, errs.New(ep.Name, errs.CodeAPI, errs.WithHTTP(resp.Status),
				errs.WithMessage("unexpected response body"))
		}
		return nil, nil
	}
	if resp.Status == http.StatusTooManyRequests {
		return nil, errs.New(ep.Name, errs.CodeRateLimited, errs.WithHTTP(resp.Status),
			errs.WithRateLimit(c.ratelimit.State()),
			errs.WithMessage("rate limit exhausted"))
	}
	if slices.Contains(ep.ErrorCodes, resp.Status) {
		return nil, errs.New(ep.Name, errs.CodeAPI, errs.WithHTTP(resp.Status),
			errs.WithMessage(apiErrorMessage(resp.Body)))
	}
	return nil, errs.New(ep.Name, errs.CodeAPI, errs.WithHTTP(resp.Status),
		errs.WithMessage("unexpected status"),
		errs.WithField("detail", apiErrorMessage(resp.Body)))
}

func (c *Client) selectToken(ep *registry.Endpoint, override TokenProvider) (TokenProvider, bool, error) {
	user := c.userToken
	if override != nil {
		user = override
	}
	if ep.Auth.UserAccessToken && user != nil {
		return user, true, nil
	}
	if ep.Auth.AppAccessToken && c.appToken != nil {
		return c.appToken, false, nil
	}
	if ep.Auth.UserAccessToken || ep.Auth.AppAccessToken {
		return nil, false, errs.New(ep.Name, errs.CodeAuth,
			errs.WithMessage("no eligible token for endpoint"))
	}
	return nil, false, nil
}

func (c *Client) checkScopes(ctx context.Context, ep *registry.Endpoint, provider TokenProvider) error {
	granted, err := provider.Scopes(ctx)
	if err != nil {
		return errs.New(ep.Name, errs.CodeAuth,
			errs.WithMessage("resolve token scopes"), errs.WithCause(err))
	}
	if !ep.Auth.UserScopes.SatisfiedBy(granted) {
		return errs.New(ep.Name, errs.CodeScopes,
			errs.WithScopes(ep.Auth.UserScopes.String()),
			errs.WithMessage("token lacks required scopes"))
	}
	return nil
}

func validateCallQuery(ep *registry.Endpoint, query url.Values) error {
	if ep.Query == nil {
		if len(query) > 0 {
			return errs.New(ep.Name, errs.CodeValidation,
				errs.WithMessage("endpoint does not accept query parameters"))
		}
		return nil
	}
	return ep.Query.ValidateQuery(query)
}

func encodeCallBody(ep *registry.Endpoint, body any) ([]byte, error) {
	if body == nil {
		if ep.Body != nil {
			return nil, errs.New(ep.Name, errs.CodeValidation,
				errs.WithMessage("endpoint requires a request body"))
		}
		return nil, nil
	}
	if ep.Body == nil {
		return nil, errs.New(ep.Name, errs.CodeValidation,
			errs.WithMessage("endpoint does not accept a request body"))
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(ep.Name, errs.CodeValidation,
			errs.WithMessage("encode request body"), errs.WithCause(err))
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errs.New(ep.Name, errs.CodeValidation,
			errs.WithMessage("request body must be a JSON object"), errs.WithCause(err))
	}
	if err := ep.Body.Validate(decoded); err != nil {
		return nil, err
	}
	return raw, nil
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func apiErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "no error detail"
	}
	var decoded apiErrorBody
	if err := json.Unmarshal(trimmed, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	if len(trimmed) > 256 {
		trimmed = trimmed[:256]
	}
	return string(trimmed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
