package helix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/glowstream/glowstream/errs"
)

func writeRateLimits(w http.ResponseWriter) {
	w.Header().Set("Ratelimit-Limit", "800")
	w.Header().Set("Ratelimit-Remaining", "750")
	w.Header().Set("Ratelimit-Reset", strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10))
}

func TestTransportParsesRateLimitHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Remaining", "799")
		w.Header().Set("Ratelimit-Reset", "1700000060")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, WithRequestsPerMinute(0))
	resp, err := transport.Do(context.Background(), &Request{Method: http.MethodGet, Path: "users"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, 800, resp.RateLimit.Limit)
	require.Equal(t, 799, resp.RateLimit.Remaining)
	require.Equal(t, int64(1700000060), resp.RateLimit.Reset.Unix())
	require.JSONEq(t, `{"data":[]}`, string(resp.Body))
}

func TestTransportMissingRateLimitHeaderIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Ratelimit-Limit", "800")
		w.Header().Set("Ratelimit-Reset", "1700000060")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, WithRequestsPerMinute(0))
	_, err := transport.Do(context.Background(), &Request{Method: http.MethodGet, Path: "users"})
	require.True(t, errs.IsCode(err, errs.CodeTransport))
	require.Contains(t, err.Error(), "Ratelimit-Remaining")
}

func TestTransportMalformedRateLimitHeaderIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Ratelimit-Limit", "many")
		w.Header().Set("Ratelimit-Remaining", "750")
		w.Header().Set("Ratelimit-Reset", "1700000060")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, WithRequestsPerMinute(0))
	_, err := transport.Do(context.Background(), &Request{Method: http.MethodGet, Path: "users"})
	require.True(t, errs.IsCode(err, errs.CodeTransport))
	require.Contains(t, err.Error(), "malformed")
}

func TestTransportPreservesRepeatedQueryOrder(t *testing.T) {
	var gotIDs []string
	var gotContentType string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIDs = r.URL.Query()["id"]
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		writeRateLimits(w)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	transport := NewHTTPTransport(server.URL, WithRequestsPerMinute(0))
	resp, err := transport.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/eventsub/subscriptions",
		Query:  url.Values{"id": {"3", "1", "2"}},
		Header: header,
		Body:   []byte(`{"type":"stream.online"}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, []string{"3", "1", "2"}, gotIDs)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "Bearer tok", gotAuth)
}

func TestTransportCancelledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	transport := NewHTTPTransport(server.URL, WithRequestsPerMinute(0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := transport.Do(ctx, &Request{Method: http.MethodGet, Path: "users"})
	require.True(t, errs.IsCode(err, errs.CodeTransport))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
