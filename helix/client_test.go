package helix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/registry"
)

// scriptedTransport replays canned responses and records every request.
// The last response repeats once the script runs out.
type scriptedTransport struct {
	responses []*Response
	requests  []*Request
}

func (s *scriptedTransport) Do(_ context.Context, req *Request) (*Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, errs.New("transport", errs.CodeTransport, errs.WithMessage("script exhausted"))
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

type refreshableToken struct {
	token     string
	scopes    []string
	refreshes int
}

func (r *refreshableToken) AccessToken(context.Context) (string, error) { return r.token, nil }

func (r *refreshableToken) Scopes(context.Context) ([]string, error) { return r.scopes, nil }

func (r *refreshableToken) CanRefresh() bool { return true }

func (r *refreshableToken) Refresh(context.Context) (string, error) {
	r.refreshes++
	r.token = fmt.Sprintf("fresh-%d", r.refreshes)
	return r.token, nil
}

func respond(status int, body string) *Response {
	return &Response{
		Status: status,
		Body:   []byte(body),
		RateLimit: RateLimitHeaders{
			Limit:     800,
			Remaining: 700,
			Reset:     time.Now().Add(30 * time.Second),
		},
	}
}

func newTestClient(t *testing.T, transport Transport, opts ...ClientOption) *Client {
	t.Helper()
	cfg := config.Apply(config.Default(), config.WithCredentials("client-id-1", "hunter2"))
	base := []ClientOption{WithTransport(transport), WithLogger(discardLogger())}
	c := NewClient(cfg, append(base, opts...)...)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestCallPrefersUserToken(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{respond(200, `{"data":[]}`)}}
	c := newTestClient(t, st,
		WithAppToken(StaticToken("app-token")),
		WithUserToken(StaticToken("user-token")))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.NoError(t, err)
	require.Len(t, st.requests, 1)
	require.Equal(t, "Bearer user-token", st.requests[0].Header.Get("Authorization"))
	require.Equal(t, "client-id-1", st.requests[0].Header.Get("Client-ID"))
}

func TestCallFallsBackToAppToken(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{respond(200, `{"data":[]}`)}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.NoError(t, err)
	require.Equal(t, "Bearer app-token", st.requests[0].Header.Get("Authorization"))
}

func TestCallPerCallTokenOverride(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{respond(200, `{"data":[]}`)}}
	c := newTestClient(t, st, WithUserToken(StaticToken("default-user")))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}},
		AsUser(StaticToken("override-user")))
	require.NoError(t, err)
	require.Equal(t, "Bearer override-user", st.requests[0].Header.Get("Authorization"))
}

func TestCallRequiresEligibleToken(t *testing.T) {
	st := &scriptedTransport{}
	c := newTestClient(t, st)

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Empty(t, st.requests)

	// App tokens are not eligible for user-only endpoints.
	c = newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	err = c.UpdateChannelInformation(context.Background(), "42", &ChannelUpdate{Title: "hi"})
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Empty(t, st.requests)
}

func TestCallEnforcesScopes(t *testing.T) {
	st := &scriptedTransport{}
	c := newTestClient(t, st, WithUserToken(StaticToken("user-token", "chat:read")))

	err := c.UpdateChannelInformation(context.Background(), "42", &ChannelUpdate{Title: "hi"})
	require.True(t, errs.IsCode(err, errs.CodeScopes))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, "channel:manage:broadcast", e.RequiredScopes)
	require.Empty(t, st.requests)

	st.responses = []*Response{respond(204, "")}
	c = newTestClient(t, st, WithUserToken(StaticToken("user-token", "channel:manage:broadcast")))
	require.NoError(t, c.UpdateChannelInformation(context.Background(), "42", &ChannelUpdate{Title: "hi"}))
	require.Len(t, st.requests, 1)
}

func TestCallValidatesBeforeNetwork(t *testing.T) {
	st := &scriptedTransport{}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	ctx := context.Background()

	_, err := c.Call(ctx, registry.EndpointGetUsers, &Params{Query: url.Values{"bogus": {"1"}}})
	require.True(t, errs.IsCode(err, errs.CodeValidation))

	_, err = c.CreateEventSubSubscription(ctx, &CreateSubscriptionRequest{
		Type:      "stream.online",
		Version:   "1",
		Transport: SubscriptionTransport{Method: "websocket", SessionID: "s-1"},
	})
	require.True(t, errs.IsCode(err, errs.CodeValidation), "missing condition must fail")

	_, err = c.Call(ctx, "launchRocket", nil)
	require.True(t, errs.IsCode(err, errs.CodeValidation))

	require.Empty(t, st.requests)
}

func TestCallRefreshesOnceOnUnauthorized(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		respond(401, `{"status":401,"message":"invalid token"}`),
		respond(200, `{"data":[]}`),
	}}
	user := &refreshableToken{token: "stale"}
	c := newTestClient(t, st, WithUserToken(user))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.NoError(t, err)
	require.Len(t, st.requests, 2)
	require.Equal(t, 1, user.refreshes)
	require.Equal(t, "Bearer stale", st.requests[0].Header.Get("Authorization"))
	require.Equal(t, "Bearer fresh-1", st.requests[1].Header.Get("Authorization"))
}

func TestCallSecondUnauthorizedIsFinal(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		respond(401, `{"status":401,"message":"invalid token"}`),
	}}
	user := &refreshableToken{token: "stale"}
	c := newTestClient(t, st, WithUserToken(user))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))
	require.Equal(t, http.StatusUnauthorized, errs.HTTPStatus(err))
	require.Len(t, st.requests, 2)
	require.Equal(t, 1, user.refreshes)
}

func TestCallStaticTokenUnauthorizedNoRetry(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		respond(401, `{"status":401,"message":"invalid token"}`),
	}}
	c := newTestClient(t, st, WithUserToken(StaticToken("user-token")))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))
	require.Len(t, st.requests, 1)
}

func TestCallRetriesRateLimited(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager := NewManager(discardLogger(), func() time.Time { return now })
	st := &scriptedTransport{responses: []*Response{
		{Status: 429, RateLimit: RateLimitHeaders{Limit: 800, Remaining: 0, Reset: now.Add(10 * time.Second)}},
		respond(200, `{"data":[]}`),
	}}
	c := newTestClient(t, st,
		WithAppToken(StaticToken("app-token")),
		WithRateLimitManager(manager))
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{10 * time.Second}, waits)
	require.Equal(t, 0, c.RateLimitState().ConsecutiveHits, "success clears the hit streak")
}

func TestCallRetriesServiceUnavailable(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		respond(503, ""),
		respond(200, `{"data":[]}`),
	}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.NoError(t, err)
	require.Len(t, st.requests, 2)
	require.Equal(t, []time.Duration{time.Second}, waits)
}

func TestCallRetryBudgetExhausted(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{respond(503, "upstream sad")}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))
	require.Equal(t, http.StatusServiceUnavailable, errs.HTTPStatus(err))
	require.Len(t, st.requests, 6)
	require.Len(t, waits, 5)
}

func TestCallRateLimitExhausted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	manager := NewManager(discardLogger(), func() time.Time { return now })
	st := &scriptedTransport{responses: []*Response{
		{Status: 429, RateLimit: RateLimitHeaders{Limit: 800, Remaining: 0, Reset: now.Add(-time.Second)}},
	}}
	c := newTestClient(t, st,
		WithAppToken(StaticToken("app-token")),
		WithRateLimitManager(manager))
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeRateLimited))
	require.Len(t, st.requests, 6)
	require.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, waits)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.NotNil(t, e.RateLimit)
	require.Equal(t, 0, e.RateLimit.Remaining)
	require.Equal(t, 5, e.RateLimit.ConsecutiveHits)
}

func TestCallWaitInterrupted(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		{Status: 429, RateLimit: RateLimitHeaders{Limit: 800, Remaining: 0, Reset: time.Now()}},
	}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	c.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeTransport))
	require.ErrorIs(t, err, context.Canceled)
}

func TestCallResponseBodyClassification(t *testing.T) {
	ctx := context.Background()

	// Declared success status with an empty body when a schema expects one.
	st := &scriptedTransport{responses: []*Response{respond(200, "")}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	_, err := c.GetUsers(ctx, UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))

	// Schema-less endpoints must not return a payload.
	st = &scriptedTransport{responses: []*Response{respond(204, `{"x":1}`)}}
	c = newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	err = c.DeleteEventSubSubscription(ctx, "sub-1")
	require.True(t, errs.IsCode(err, errs.CodeAPI))

	st = &scriptedTransport{responses: []*Response{respond(204, "")}}
	c = newTestClient(t, st, WithAppToken(StaticToken("app-token")))
	require.NoError(t, c.DeleteEventSubSubscription(ctx, "sub-1"))
}

func TestCallDeclaredErrorStatus(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{
		respond(400, `{"error":"Bad Request","status":400,"message":"invalid login"}`),
	}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))

	_, err := c.GetUsers(context.Background(), UserFilter{Logins: []string{"bad$name"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))
	require.Equal(t, http.StatusBadRequest, errs.HTTPStatus(err))
	require.Contains(t, err.Error(), "invalid login")
}

func TestCallUndeclaredStatus(t *testing.T) {
	st := &scriptedTransport{responses: []*Response{respond(418, "short and stout")}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))

	_, err := c.GetUsers(context.Background(), UserFilter{IDs: []string{"42"}})
	require.True(t, errs.IsCode(err, errs.CodeAPI))
	require.Equal(t, http.StatusTeapot, errs.HTTPStatus(err))
	require.Contains(t, err.Error(), "unexpected status")
}

func TestGetUsersDecodesPayload(t *testing.T) {
	body := `{"data":[{
		"id":"42","login":"strimmer","display_name":"Strimmer",
		"type":"","broadcaster_type":"partner","description":"hi",
		"profile_image_url":"https://example.test/p.png",
		"offline_image_url":"","created_at":"2020-05-01T00:00:00Z"}]}`
	st := &scriptedTransport{responses: []*Response{respond(200, body)}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))

	users, err := c.GetUsers(context.Background(), UserFilter{Logins: []string{"strimmer"}, IDs: []string{"42"}})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "42", users[0].ID)
	require.Equal(t, "Strimmer", users[0].DisplayName)
	require.Equal(t, "partner", users[0].BroadcasterType)
	require.Equal(t, 2020, users[0].CreatedAt.Year())

	require.Equal(t, http.MethodGet, st.requests[0].Method)
	require.Equal(t, "users", st.requests[0].Path)
	require.Equal(t, []string{"42"}, st.requests[0].Query["id"])
	require.Equal(t, []string{"strimmer"}, st.requests[0].Query["login"])
}

func TestCreateEventSubSubscription(t *testing.T) {
	body := `{"data":[{
		"id":"sub-1","status":"enabled","type":"stream.online","version":"1",
		"condition":{"broadcaster_user_id":"42"},
		"created_at":"2024-03-01T10:00:00Z",
		"transport":{"method":"websocket","session_id":"s-1"},
		"cost":1}],"total":1,"total_cost":1,"max_total_cost":10}`
	st := &scriptedTransport{responses: []*Response{respond(202, body)}}
	c := newTestClient(t, st, WithAppToken(StaticToken("app-token")))

	page, err := c.CreateEventSubSubscription(context.Background(), &CreateSubscriptionRequest{
		Type:      "stream.online",
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": "42"},
		Transport: SubscriptionTransport{Method: "websocket", SessionID: "s-1"},
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, "sub-1", page.Data[0].ID)
	require.Equal(t, 1, page.Data[0].Cost)
	require.Equal(t, 10, page.MaxTotalCost)

	require.Equal(t, http.MethodPost, st.requests[0].Method)
	require.Equal(t, "eventsub/subscriptions", st.requests[0].Path)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(st.requests[0].Body, &sent))
	require.Equal(t, "stream.online", sent["type"])
	require.Equal(t, map[string]any{"broadcaster_user_id": "42"}, sent["condition"])
	transport, ok := sent["transport"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "websocket", transport["method"])
	require.Equal(t, "s-1", transport["session_id"])
}

func TestSendChatMessageDropReason(t *testing.T) {
	body := `{"data":[{
		"message_id":"","is_sent":false,
		"drop_reason":{"code":"followers_only","message":"only followers may chat"}}]}`
	st := &scriptedTransport{responses: []*Response{respond(200, body)}}
	c := newTestClient(t, st, WithUserToken(StaticToken("user-token", "user:write:chat")))

	result, err := c.SendChatMessage(context.Background(), &ChatMessageRequest{
		BroadcasterID: "42",
		SenderID:      "99",
		Message:       "hello chat",
	})
	require.NoError(t, err)
	require.False(t, result.IsSent)
	require.NotNil(t, result.DropReason)
	require.Equal(t, "followers_only", result.DropReason.Code)
}

func TestStaticTokenSemantics(t *testing.T) {
	provider := StaticToken("tok", "a", "b")
	ctx := context.Background()

	token, err := provider.AccessToken(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok", token)

	scopes, err := provider.Scopes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, scopes)

	require.False(t, provider.CanRefresh())
	_, err = provider.Refresh(ctx)
	require.True(t, errs.IsCode(err, errs.CodeAuth))
}
