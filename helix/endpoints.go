package helix

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/registry"
)

// SubscriptionTransport identifies how Twitch delivers events for a
// subscription: "websocket" with a session id, or "webhook" with a callback
// URL and shared secret.
type SubscriptionTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
}

// CreateSubscriptionRequest is the body of createEventSubSubscription.
type CreateSubscriptionRequest struct {
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	Transport SubscriptionTransport `json:"transport"`
}

// Subscription describes one EventSub subscription as Helix reports it.
type Subscription struct {
	ID        string                `json:"id"`
	Status    string                `json:"status"`
	Type      string                `json:"type"`
	Version   string                `json:"version"`
	Condition map[string]string     `json:"condition"`
	CreatedAt time.Time             `json:"created_at"`
	Transport SubscriptionTransport `json:"transport"`
	Cost      int                   `json:"cost"`
}

// Pagination carries the cursor for paged Helix endpoints.
type Pagination struct {
	Cursor string `json:"cursor"`
}

// SubscriptionsPage is the envelope returned by the EventSub subscription
// endpoints.
type SubscriptionsPage struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
	Pagination   Pagination     `json:"pagination"`
}

// SubscriptionFilter narrows getEventSubSubscriptions. Zero-valued fields
// are omitted.
type SubscriptionFilter struct {
	Status string
	Type   string
	UserID string
	After  string
}

// User is one Helix user record.
type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	Description     string    `json:"description"`
	ProfileImageURL string    `json:"profile_image_url"`
	OfflineImageURL string    `json:"offline_image_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// UserFilter selects users by id or login for getUsers.
type UserFilter struct {
	IDs    []string
	Logins []string
}

// Stream is one live broadcast as Helix reports it.
type Stream struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	UserLogin    string    `json:"user_login"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id"`
	GameName     string    `json:"game_name"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count"`
	StartedAt    time.Time `json:"started_at"`
	Language     string    `json:"language"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Tags         []string  `json:"tags"`
	IsMature     bool      `json:"is_mature"`
}

// StreamFilter narrows getStreams. Zero-valued fields are omitted.
type StreamFilter struct {
	UserIDs    []string
	UserLogins []string
	GameIDs    []string
	Type       string
	Languages  []string
	First      int
	Before     string
	After      string
}

// StreamsPage couples streams with the pagination cursor.
type StreamsPage struct {
	Data       []Stream   `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ChannelInformation is one channel record from getChannelInformation.
type ChannelInformation struct {
	BroadcasterID       string   `json:"broadcaster_id"`
	BroadcasterLogin    string   `json:"broadcaster_login"`
	BroadcasterName     string   `json:"broadcaster_name"`
	BroadcasterLanguage string   `json:"broadcaster_language"`
	GameID              string   `json:"game_id"`
	GameName            string   `json:"game_name"`
	Title               string   `json:"title"`
	Delay               int      `json:"delay"`
	Tags                []string `json:"tags"`
	IsBrandedContent    bool     `json:"is_branded_content"`
}

// ContentClassificationLabel toggles one classification label on or off.
type ContentClassificationLabel struct {
	ID        string `json:"id"`
	IsEnabled bool   `json:"is_enabled"`
}

// ChannelUpdate carries the mutable fields of updateChannelInformation.
// Zero-valued fields are omitted from the request.
type ChannelUpdate struct {
	GameID                      string                       `json:"game_id,omitempty"`
	BroadcasterLanguage         string                       `json:"broadcaster_language,omitempty"`
	Title                       string                       `json:"title,omitempty"`
	Delay                       int                          `json:"delay,omitempty"`
	Tags                        []string                     `json:"tags,omitempty"`
	ContentClassificationLabels []ContentClassificationLabel `json:"content_classification_labels,omitempty"`
	IsBrandedContent            *bool                        `json:"is_branded_content,omitempty"`
}

// ChatMessageRequest is the body of sendChatMessage.
type ChatMessageRequest struct {
	BroadcasterID        string `json:"broadcaster_id"`
	SenderID             string `json:"sender_id"`
	Message              string `json:"message"`
	ReplyParentMessageID string `json:"reply_parent_message_id,omitempty"`
}

// ChatDropReason explains a rejected chat message.
type ChatDropReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ChatMessageResult reports whether a chat message was sent and, if not,
// why it was dropped.
type ChatMessageResult struct {
	MessageID  string          `json:"message_id"`
	IsSent     bool            `json:"is_sent"`
	DropReason *ChatDropReason `json:"drop_reason,omitempty"`
}

// CreateEventSubSubscription registers a new EventSub subscription and
// returns the envelope Twitch responds with.
func (c *Client) CreateEventSubSubscription(ctx context.Context, req *CreateSubscriptionRequest, opts ...CallOption) (*SubscriptionsPage, error) {
	params := &Params{Body: req}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointCreateEventSubSubscription, params)
	if err != nil {
		return nil, err
	}
	var page SubscriptionsPage
	if err := decodePayload(registry.EndpointCreateEventSubSubscription, payload, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DeleteEventSubSubscription removes a subscription by id.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string, opts ...CallOption) error {
	params := &Params{Query: url.Values{"id": []string{id}}}
	for _, opt := range opts {
		opt(params)
	}
	_, err := c.Call(ctx, registry.EndpointDeleteEventSubSubscription, params)
	return err
}

// GetEventSubSubscriptions lists subscriptions owned by the current
// credential, optionally filtered.
func (c *Client) GetEventSubSubscriptions(ctx context.Context, filter SubscriptionFilter, opts ...CallOption) (*SubscriptionsPage, error) {
	query := url.Values{}
	setQuery(query, "status", filter.Status)
	setQuery(query, "type", filter.Type)
	setQuery(query, "user_id", filter.UserID)
	setQuery(query, "after", filter.After)
	params := &Params{Query: query}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointGetEventSubSubscriptions, params)
	if err != nil {
		return nil, err
	}
	var page SubscriptionsPage
	if err := decodePayload(registry.EndpointGetEventSubSubscriptions, payload, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetUsers fetches user records by id or login.
func (c *Client) GetUsers(ctx context.Context, filter UserFilter, opts ...CallOption) ([]User, error) {
	query := url.Values{}
	setQueryList(query, "id", filter.IDs)
	setQueryList(query, "login", filter.Logins)
	params := &Params{Query: query}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointGetUsers, params)
	if err != nil {
		return nil, err
	}
	var page struct {
		Data []User `json:"data"`
	}
	if err := decodePayload(registry.EndpointGetUsers, payload, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

// GetStreams lists live broadcasts matching the filter.
func (c *Client) GetStreams(ctx context.Context, filter StreamFilter, opts ...CallOption) (*StreamsPage, error) {
	query := url.Values{}
	setQueryList(query, "user_id", filter.UserIDs)
	setQueryList(query, "user_login", filter.UserLogins)
	setQueryList(query, "game_id", filter.GameIDs)
	setQuery(query, "type", filter.Type)
	setQueryList(query, "language", filter.Languages)
	if filter.First > 0 {
		query.Set("first", strconv.Itoa(filter.First))
	}
	setQuery(query, "before", filter.Before)
	setQuery(query, "after", filter.After)
	params := &Params{Query: query}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointGetStreams, params)
	if err != nil {
		return nil, err
	}
	var page StreamsPage
	if err := decodePayload(registry.EndpointGetStreams, payload, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetChannelInformation fetches channel records for the given broadcasters.
func (c *Client) GetChannelInformation(ctx context.Context, broadcasterIDs []string, opts ...CallOption) ([]ChannelInformation, error) {
	query := url.Values{}
	setQueryList(query, "broadcaster_id", broadcasterIDs)
	params := &Params{Query: query}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointGetChannelInformation, params)
	if err != nil {
		return nil, err
	}
	var page struct {
		Data []ChannelInformation `json:"data"`
	}
	if err := decodePayload(registry.EndpointGetChannelInformation, payload, &page); err != nil {
		return nil, err
	}
	return page.Data, nil
}

// UpdateChannelInformation modifies channel settings. Requires a user token
// with channel:manage:broadcast.
func (c *Client) UpdateChannelInformation(ctx context.Context, broadcasterID string, update *ChannelUpdate, opts ...CallOption) error {
	params := &Params{
		Query: url.Values{"broadcaster_id": []string{broadcasterID}},
		Body:  update,
	}
	for _, opt := range opts {
		opt(params)
	}
	_, err := c.Call(ctx, registry.EndpointUpdateChannelInformation, params)
	return err
}

// SendChatMessage posts a message to a broadcaster's chat.
func (c *Client) SendChatMessage(ctx context.Context, req *ChatMessageRequest, opts ...CallOption) (*ChatMessageResult, error) {
	params := &Params{Body: req}
	for _, opt := range opts {
		opt(params)
	}
	payload, err := c.Call(ctx, registry.EndpointSendChatMessage, params)
	if err != nil {
		return nil, err
	}
	var page struct {
		Data []ChatMessageResult `json:"data"`
	}
	if err := decodePayload(registry.EndpointSendChatMessage, payload, &page); err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, errs.New(registry.EndpointSendChatMessage, errs.CodeAPI,
			errs.WithMessage("empty data envelope"))
	}
	return &page.Data[0], nil
}

func setQuery(query url.Values, key, value string) {
	if strings.TrimSpace(value) != "" {
		query.Set(key, value)
	}
}

func setQueryList(query url.Values, key string, values []string) {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			query.Add(key, value)
		}
	}
}

func decodePayload(endpoint string, payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.New(endpoint, errs.CodeAPI,
			errs.WithMessage("re-encode response payload"), errs.WithCause(err))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(endpoint, errs.CodeAPI,
			errs.WithMessage("decode response payload"), errs.WithCause(err))
	}
	return nil
}
