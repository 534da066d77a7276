package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/glowstream/glowstream/errs"
)

type fakeIDServer struct {
	*httptest.Server

	mu             sync.Mutex
	minted         int
	tokenReqs      []url.Values
	validates      []string
	scopes         []string
	validateStatus int
}

func newFakeIDServer(t *testing.T) *fakeIDServer {
	t.Helper()
	f := &fakeIDServer{
		scopes:         []string{"chat:read", "chat:edit"},
		validateStatus: http.StatusOK,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.mu.Lock()
		f.minted++
		minted := f.minted
		f.tokenReqs = append(f.tokenReqs, r.Form)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  fmt.Sprintf("minted-%d", minted),
			"refresh_token": fmt.Sprintf("rt-%d", minted),
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.validates = append(f.validates, r.Header.Get("Authorization"))
		status := f.validateStatus
		scopes := f.scopes
		f.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":  "client-id-1",
			"login":      "strimmer",
			"user_id":    "42",
			"scopes":     scopes,
			"expires_in": 3600,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func TestAppTokenMintsAndCaches(t *testing.T) {
	server := newFakeIDServer(t)
	provider := AppToken("client-id-1", "hunter2", WithBaseURL(server.URL))
	ctx := context.Background()

	token, err := provider.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "minted-1", token)

	again, err := provider.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, token, again)

	scopes, err := provider.Scopes(ctx)
	require.NoError(t, err)
	require.Empty(t, scopes)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.tokenReqs, 1)
	require.Equal(t, "client_credentials", server.tokenReqs[0].Get("grant_type"))
	require.Equal(t, "client-id-1", server.tokenReqs[0].Get("client_id"))
	require.Equal(t, "hunter2", server.tokenReqs[0].Get("client_secret"))
}

func TestAppTokenRefreshMintsFresh(t *testing.T) {
	server := newFakeIDServer(t)
	provider := AppToken("client-id-1", "hunter2", WithBaseURL(server.URL))
	ctx := context.Background()

	first, err := provider.AccessToken(ctx)
	require.NoError(t, err)
	require.True(t, provider.CanRefresh())

	second, err := provider.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "minted-2", second)
	require.NotEqual(t, first, second)
}

func TestUserTokenServesValidGrant(t *testing.T) {
	server := newFakeIDServer(t)
	grant := &oauth2.Token{
		AccessToken:  "user-0",
		RefreshToken: "rt-0",
		Expiry:       time.Now().Add(time.Hour),
	}
	provider := UserToken("client-id-1", "hunter2", grant, WithBaseURL(server.URL))

	token, err := provider.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-0", token)
	require.True(t, provider.CanRefresh())

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Empty(t, server.tokenReqs)
}

func TestUserTokenRenewsExpiredGrant(t *testing.T) {
	server := newFakeIDServer(t)
	grant := &oauth2.Token{
		AccessToken:  "user-0",
		RefreshToken: "rt-0",
		Expiry:       time.Now().Add(-time.Hour),
	}
	provider := UserToken("client-id-1", "hunter2", grant, WithBaseURL(server.URL))

	token, err := provider.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "minted-1", token)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.tokenReqs, 1)
	require.Equal(t, "refresh_token", server.tokenReqs[0].Get("grant_type"))
	require.Equal(t, "rt-0", server.tokenReqs[0].Get("refresh_token"))
}

func TestUserTokenRefreshForcesRoundTrip(t *testing.T) {
	server := newFakeIDServer(t)
	grant := &oauth2.Token{
		AccessToken:  "user-0",
		RefreshToken: "rt-0",
		Expiry:       time.Now().Add(time.Hour),
	}
	provider := UserToken("client-id-1", "hunter2", grant, WithBaseURL(server.URL))
	ctx := context.Background()

	token, err := provider.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "minted-1", token)

	// The renewed grant carries the newly issued refresh token.
	next, err := provider.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "minted-2", next)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.tokenReqs, 2)
	require.Equal(t, "rt-1", server.tokenReqs[1].Get("refresh_token"))
}

func TestUserTokenWithoutRefreshTokenCannotRenew(t *testing.T) {
	provider := UserToken("client-id-1", "hunter2", &oauth2.Token{AccessToken: "user-0"})
	require.False(t, provider.CanRefresh())

	// A zero expiry never goes stale, so the access token still serves.
	token, err := provider.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-0", token)

	_, err = provider.Refresh(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeAuth))
}

func TestUserTokenScopesCachedUntilRenewal(t *testing.T) {
	server := newFakeIDServer(t)
	grant := &oauth2.Token{
		AccessToken:  "user-0",
		RefreshToken: "rt-0",
		Expiry:       time.Now().Add(time.Hour),
	}
	provider := UserToken("client-id-1", "hunter2", grant, WithBaseURL(server.URL))
	ctx := context.Background()

	scopes, err := provider.Scopes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"chat:read", "chat:edit"}, scopes)

	_, err = provider.Scopes(ctx)
	require.NoError(t, err)
	server.mu.Lock()
	require.Len(t, server.validates, 1)
	require.Equal(t, "OAuth user-0", server.validates[0])
	server.mu.Unlock()

	_, err = provider.Refresh(ctx)
	require.NoError(t, err)
	_, err = provider.Scopes(ctx)
	require.NoError(t, err)
	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.validates, 2)
	require.Equal(t, "OAuth minted-1", server.validates[1])
}

func TestUserTokenValidateRejection(t *testing.T) {
	server := newFakeIDServer(t)
	server.mu.Lock()
	server.validateStatus = http.StatusUnauthorized
	server.mu.Unlock()

	grant := &oauth2.Token{
		AccessToken:  "user-0",
		RefreshToken: "rt-0",
		Expiry:       time.Now().Add(time.Hour),
	}
	provider := UserToken("client-id-1", "hunter2", grant, WithBaseURL(server.URL))

	_, err := provider.Scopes(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Equal(t, http.StatusUnauthorized, errs.HTTPStatus(err))
}
