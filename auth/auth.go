// Package auth provides oauth2-backed token providers for the Helix client.
//
// AppToken mints app access tokens with the client-credentials grant and
// UserToken wraps an existing user grant in the standard refresh-token flow.
// Both satisfy helix.TokenProvider.
package auth

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/helix"
)

const (
	tokenPath    = "/token"
	validatePath = "/validate"
)

type settings struct {
	baseURL string
	client  *http.Client
}

// Option adjusts how a provider talks to the id service.
type Option func(*settings)

// WithBaseURL points the provider at a different id service, typically a
// test server.
func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		if baseURL != "" {
			s.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for token and validate requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		if client != nil {
			s.client = client
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{baseURL: config.DefaultAuthBaseURL, client: http.DefaultClient}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// oauthContext routes the oauth2 machinery through the configured client.
func (s settings) oauthContext(ctx context.Context) context.Context {
	if s.client == http.DefaultClient {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.client)
}

// AppToken returns a provider that mints app access tokens on demand and
// caches them until they expire. Refresh discards the cached token and mints
// a fresh one.
func AppToken(clientID, clientSecret string, opts ...Option) helix.TokenProvider {
	s := newSettings(opts)
	return &appProvider{
		settings: s,
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     s.baseURL + tokenPath,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

type appProvider struct {
	settings settings
	cfg      *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func (p *appProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessTokenLocked(ctx)
}

func (p *appProvider) accessTokenLocked(ctx context.Context) (string, error) {
	if p.token.Valid() {
		return p.token.AccessToken, nil
	}
	token, err := p.cfg.Token(p.settings.oauthContext(ctx))
	if err != nil {
		return "", errs.New("auth", errs.CodeAuth,
			errs.WithMessage("fetch app access token"), errs.WithCause(err))
	}
	p.token = token
	return token.AccessToken, nil
}

// Scopes is always empty: app access tokens carry no user scopes.
func (p *appProvider) Scopes(context.Context) ([]string, error) { return nil, nil }

func (p *appProvider) CanRefresh() bool { return true }

func (p *appProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = nil
	return p.accessTokenLocked(ctx)
}

// UserToken returns a provider backed by an existing user grant. Expired
// access tokens are renewed through the refresh-token flow, and scopes are
// resolved once from the validate endpoint and cached until the next renewal.
func UserToken(clientID, clientSecret string, token *oauth2.Token, opts ...Option) helix.TokenProvider {
	s := newSettings(opts)
	return &userProvider{
		settings: s,
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   s.baseURL + "/authorize",
				TokenURL:  s.baseURL + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		token: token,
	}
}

type userProvider struct {
	settings settings
	cfg      *oauth2.Config

	mu          sync.Mutex
	token       *oauth2.Token
	scopes      []string
	scopesKnown bool
}

func (p *userProvider) AccessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessTokenLocked(ctx)
}

func (p *userProvider) accessTokenLocked(ctx context.Context) (string, error) {
	if p.token.Valid() {
		return p.token.AccessToken, nil
	}
	return p.renewLocked(ctx)
}

// renewLocked trades the stored refresh token for a new access token and
// drops the cached scopes.
func (p *userProvider) renewLocked(ctx context.Context) (string, error) {
	if p.token == nil || p.token.RefreshToken == "" {
		return "", errs.New("auth", errs.CodeAuth,
			errs.WithMessage("no refresh token available"))
	}
	source := p.cfg.TokenSource(p.settings.oauthContext(ctx),
		&oauth2.Token{RefreshToken: p.token.RefreshToken})
	token, err := source.Token()
	if err != nil {
		return "", errs.New("auth", errs.CodeAuth,
			errs.WithMessage("refresh user access token"), errs.WithCause(err))
	}
	p.token = token
	p.scopes = nil
	p.scopesKnown = false
	return token.AccessToken, nil
}

func (p *userProvider) Scopes(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scopesKnown {
		return append([]string(nil), p.scopes...), nil
	}
	token, err := p.accessTokenLocked(ctx)
	if err != nil {
		return nil, err
	}
	scopes, err := p.validate(ctx, token)
	if err != nil {
		return nil, err
	}
	p.scopes = scopes
	p.scopesKnown = true
	return append([]string(nil), p.scopes...), nil
}

func (p *userProvider) CanRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token != nil && p.token.RefreshToken != ""
}

func (p *userProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renewLocked(ctx)
}

// validate asks the id service which scopes the token carries.
func (p *userProvider) validate(ctx context.Context, token string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.settings.baseURL+validatePath, nil)
	if err != nil {
		return nil, errs.New("auth", errs.CodeAuth,
			errs.WithMessage("create validate request"), errs.WithCause(err))
	}
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := p.settings.client.Do(req)
	if err != nil {
		return nil, errs.New("auth", errs.CodeTransport,
			errs.WithMessage("call validate endpoint"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, errs.New("auth", errs.CodeTransport,
			errs.WithMessage("read validate response"), errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New("auth", errs.CodeAuth, errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("token failed validation"))
	}
	var decoded struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errs.New("auth", errs.CodeAuth,
			errs.WithMessage("decode validate response"), errs.WithCause(err))
	}
	return decoded.Scopes, nil
}
