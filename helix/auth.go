package helix

import (
	"context"

	"github.com/glowstream/glowstream/errs"
)

// TokenProvider supplies OAuth bearer tokens for Helix calls.
type TokenProvider interface {
	// AccessToken returns a currently valid bearer token.
	AccessToken(ctx context.Context) (string, error)
	// Scopes lists the scopes granted to the token.
	Scopes(ctx context.Context) ([]string, error)
	// CanRefresh reports whether Refresh can mint a replacement token.
	CanRefresh() bool
	// Refresh discards the current token and obtains a new one.
	Refresh(ctx context.Context) (string, error)
}

// StaticToken wraps a fixed token that can never be refreshed. Useful for
// short-lived tools and tests.
func StaticToken(token string, scopes ...string) TokenProvider {
	return &staticToken{token: token, scopes: scopes}
}

type staticToken struct {
	token  string
	scopes []string
}

func (s *staticToken) AccessToken(context.Context) (string, error) {
	return s.token, nil
}

func (s *staticToken) Scopes(context.Context) ([]string, error) {
	return append([]string(nil), s.scopes...), nil
}

func (s *staticToken) CanRefresh() bool { return false }

func (s *staticToken) Refresh(context.Context) (string, error) {
	return "", errs.New("token", errs.CodeAuth, errs.WithMessage("static token cannot be refreshed"))
}
