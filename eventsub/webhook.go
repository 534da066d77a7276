package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/helix"
	"github.com/glowstream/glowstream/internal/telemetry"
	"github.com/glowstream/glowstream/registry"
)

const (
	headerMessageID           = "Twitch-Eventsub-Message-Id"
	headerMessageRetry        = "Twitch-Eventsub-Message-Retry"
	headerMessageType         = "Twitch-Eventsub-Message-Type"
	headerMessageSignature    = "Twitch-Eventsub-Message-Signature"
	headerMessageTimestamp    = "Twitch-Eventsub-Message-Timestamp"
	headerSubscriptionType    = "Twitch-Eventsub-Subscription-Type"
	headerSubscriptionVersion = "Twitch-Eventsub-Subscription-Version"

	signaturePrefix     = "sha256="
	timestampTolerance  = 10 * time.Minute
	maxWebhookBodyBytes = 1 << 20
	secretBytes         = 32
)

var requiredWebhookHeaders = []string{
	headerMessageID,
	headerMessageRetry,
	headerMessageType,
	headerMessageSignature,
	headerMessageTimestamp,
	headerSubscriptionType,
	headerSubscriptionVersion,
}

// MessageKind classifies an accepted webhook delivery.
type MessageKind int

const (
	MessageDiscarded MessageKind = iota
	MessageChallenge
	MessageRevocation
	MessageNotification
)

// WebhookResponse is what the caller should send back to Twitch for an
// accepted delivery, plus the parsed outcome.
type WebhookResponse struct {
	Status  int
	Headers http.Header
	Body    []byte

	Kind           MessageKind
	Reason         string
	Notification   *Notification
	SubscriptionID string
}

// WebhookClient subscribes to EventSub over webhook transport and verifies
// inbound deliveries: signature, timestamp tolerance, and replay suppression.
type WebhookClient struct {
	api      *helix.Client
	logger   *slog.Logger
	metrics  *clientMetrics
	callback string
	now      func() time.Time
	rand     io.Reader

	mu     sync.Mutex
	subs   map[string]*subState
	seen   *seenCache
	closed bool
}

// WebhookOption adjusts the webhook client.
type WebhookOption func(*WebhookClient)

// WithWebhookLogger sets the client logger.
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(c *WebhookClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the time source used for the timestamp tolerance
// check.
func WithClock(now func() time.Time) WebhookOption {
	return func(c *WebhookClient) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSecretSource overrides the entropy source for subscription secrets.
func WithSecretSource(r io.Reader) WebhookOption {
	return func(c *WebhookClient) {
		if r != nil {
			c.rand = r
		}
	}
}

// NewWebhookClient builds a webhook EventSub client on top of api. The
// callback URL comes from cfg and must be set before Subscribe is called.
func NewWebhookClient(api *helix.Client, cfg config.Settings, opts ...WebhookOption) *WebhookClient {
	c := &WebhookClient{
		api:      api,
		logger:   slog.Default(),
		callback: cfg.EventSub.WebhookCallbackURL,
		now:      time.Now,
		rand:     rand.Reader,
		subs:     make(map[string]*subState),
		seen:     newSeenCache(cfg.EventSub.SeenCacheCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newClientMetrics()
	return c
}

// Subscribe registers a webhook subscription for the event key with a fresh
// per-subscription secret.
func (c *WebhookClient) Subscribe(ctx context.Context, key registry.Key, condition map[string]string, opts ...SubscribeOption) (*Subscription, error) {
	cfg := newSubscribeConfig(opts)

	desc, ok := registry.LookupByKey(key)
	if !ok {
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("unknown event key"), errs.WithField("key", string(key)))
	}
	if err := desc.Condition.ValidateCondition(condition); err != nil {
		return nil, err
	}
	if c.callback == "" {
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("webhook callback URL not configured"))
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("client is closed"))
	}

	secret, err := c.newSecret()
	if err != nil {
		return nil, err
	}
	req := &helix.CreateSubscriptionRequest{
		Type:      desc.Type,
		Version:   desc.Version,
		Condition: condition,
		Transport: helix.SubscriptionTransport{Method: "webhook", Callback: c.callback, Secret: secret},
	}
	id, err := createSubscription(ctx, c.api, req, cfg.token)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{owner: c, stream: newStream(), id: id}
	c.mu.Lock()
	c.subs[id] = &subState{sub: sub, state: subActive, request: req, token: cfg.token, secret: secret}
	c.mu.Unlock()

	if cfg.cancel != nil {
		c.scheduleCancel(cfg.cancel, sub)
	}
	return sub, nil
}

// Unsubscribe deletes the subscription remotely and closes its stream. A
// remote delete failure is recovered locally: the subscription stays live
// and the failure is logged.
func (c *WebhookClient) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	state, ok := c.subs[id]
	if !ok {
		c.mu.Unlock()
		return errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("unknown subscription id"),
			errs.WithField("subscription_id", id))
	}
	prev := state.state
	state.state = subInactive
	c.mu.Unlock()

	var opts []helix.CallOption
	if state.token != nil {
		opts = append(opts, helix.AsUser(state.token))
	}
	if err := c.api.DeleteEventSubSubscription(ctx, id, opts...); err != nil {
		c.mu.Lock()
		state.state = prev
		c.mu.Unlock()
		c.logger.Warn("unsubscribe failed, keeping subscription",
			slog.String("subscription_id", id), slog.Any("error", err))
		return nil
	}

	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	state.sub.stream.close()
	return nil
}

// Close ends every stream normally. Inbound deliveries for the removed
// subscriptions are rejected as unknown afterwards.
func (c *WebhookClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	states := make([]*subState, 0, len(c.subs))
	for id, state := range c.subs {
		delete(c.subs, id)
		states = append(states, state)
	}
	c.mu.Unlock()

	for _, state := range states {
		state.sub.stream.close()
	}
}

// ParseRequest verifies one inbound delivery without touching client state
// other than the replay cache. The secret resolver maps a subscription id to
// its HMAC secret; an error return means the delivery must be rejected with
// the error's HTTP status.
func (c *WebhookClient) ParseRequest(header http.Header, body []byte, secret func(id string) (string, bool)) (*WebhookResponse, error) {
	for _, name := range requiredWebhookHeaders {
		if header.Get(name) == "" {
			return nil, errs.New("eventsub", errs.CodeWebhook,
				errs.WithHTTP(http.StatusForbidden),
				errs.WithMessage("missing required header"),
				errs.WithField("header", name))
		}
	}

	var outer struct {
		Challenge    string           `json:"challenge"`
		Subscription SubscriptionInfo `json:"subscription"`
		Event        map[string]any   `json:"event"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("decode webhook body"), errs.WithCause(err))
	}
	if outer.Subscription.ID == "" {
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("webhook carries no subscription id"))
	}
	secretValue, known := secret(outer.Subscription.ID)
	if !known {
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusForbidden),
			errs.WithMessage("unknown subscription id"),
			errs.WithField("subscription_id", outer.Subscription.ID))
	}

	messageID := header.Get(headerMessageID)
	timestamp := header.Get(headerMessageTimestamp)
	mac := hmac.New(sha256.New, []byte(secretValue))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(header.Get(headerMessageSignature))) {
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusForbidden),
			errs.WithMessage("signature mismatch"),
			errs.WithField("subscription_id", outer.Subscription.ID))
	}

	sent, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("malformed message timestamp"), errs.WithCause(err))
	}
	if drift := c.now().Sub(sent); drift > timestampTolerance || drift < -timestampTolerance {
		return discardedResponse("stale_timestamp"), nil
	}

	c.mu.Lock()
	duplicate := c.seen.remember(messageID)
	c.mu.Unlock()
	if duplicate {
		return discardedResponse("duplicate"), nil
	}

	switch header.Get(headerMessageType) {
	case messageTypeVerification:
		if outer.Challenge == "" {
			return nil, errs.New("eventsub", errs.CodeWebhook,
				errs.WithHTTP(http.StatusBadRequest),
				errs.WithMessage("verification carries no challenge"))
		}
		headers := http.Header{}
		headers.Set("Content-Type", "text/plain")
		headers.Set("Content-Length", strconv.Itoa(len(outer.Challenge)))
		return &WebhookResponse{
			Status:         http.StatusOK,
			Headers:        headers,
			Body:           []byte(outer.Challenge),
			Kind:           MessageChallenge,
			SubscriptionID: outer.Subscription.ID,
		}, nil

	case messageTypeRevocation:
		if !validRevocationReason(outer.Subscription.Status) {
			return nil, errs.New("eventsub", errs.CodeWebhook,
				errs.WithHTTP(http.StatusBadRequest),
				errs.WithMessage("unknown revocation reason"),
				errs.WithField("reason", outer.Subscription.Status))
		}
		return &WebhookResponse{
			Status:         http.StatusNoContent,
			Kind:           MessageRevocation,
			Reason:         outer.Subscription.Status,
			SubscriptionID: outer.Subscription.ID,
		}, nil

	case messageTypeNotification:
		desc, ok := registry.LookupByTypeAndVersion(
			header.Get(headerSubscriptionType), header.Get(headerSubscriptionVersion))
		if !ok {
			return nil, errs.New("eventsub", errs.CodeWebhook,
				errs.WithHTTP(http.StatusBadRequest),
				errs.WithMessage("unknown subscription type"),
				errs.WithField("type", header.Get(headerSubscriptionType)),
				errs.WithField("version", header.Get(headerSubscriptionVersion)))
		}
		if err := desc.Event.Validate(outer.Event); err != nil {
			return nil, errs.New("eventsub", errs.CodeWebhook,
				errs.WithHTTP(http.StatusBadRequest),
				errs.WithMessage("event payload rejected"), errs.WithCause(err))
		}
		n := Notification{
			Type:         desc.Type,
			Version:      desc.Version,
			Subscription: outer.Subscription,
			Condition:    outer.Subscription.Condition,
			Event:        outer.Event,
		}
		return &WebhookResponse{
			Status:         http.StatusNoContent,
			Kind:           MessageNotification,
			Notification:   &n,
			SubscriptionID: outer.Subscription.ID,
		}, nil

	default:
		return nil, errs.New("eventsub", errs.CodeWebhook,
			errs.WithHTTP(http.StatusBadRequest),
			errs.WithMessage("unknown message type"),
			errs.WithField("message_type", header.Get(headerMessageType)))
	}
}

// HandleRequest verifies one delivery against the client's own subscriptions
// and applies its effect: notifications are pushed to their stream,
// revocations end it.
func (c *WebhookClient) HandleRequest(header http.Header, body []byte) (*WebhookResponse, error) {
	ctx := context.Background()
	resp, err := c.ParseRequest(header, body, c.secretFor)
	if err != nil {
		c.metrics.recordVerdict(ctx, "rejected")
		return nil, err
	}
	switch resp.Kind {
	case MessageDiscarded:
		c.metrics.recordVerdict(ctx, "discarded")
	case MessageChallenge:
		c.metrics.recordVerdict(ctx, "challenge")
	case MessageRevocation:
		c.revoke(resp.SubscriptionID, resp.Reason)
		c.metrics.recordVerdict(ctx, "revocation")
	case MessageNotification:
		c.deliver(resp.SubscriptionID, *resp.Notification)
		c.metrics.recordVerdict(ctx, "notification")
	}
	return resp, nil
}

// Handler adapts HandleRequest to net/http.
func (c *WebhookClient) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		resp, err := c.HandleRequest(r.Header, body)
		if err != nil {
			status := errs.HTTPStatus(err)
			if status == 0 {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		for key, values := range resp.Headers {
			for _, v := range values {
				w.Header().Add(key, v)
			}
		}
		w.WriteHeader(resp.Status)
		if len(resp.Body) > 0 {
			_, _ = w.Write(resp.Body)
		}
	})
}

func (c *WebhookClient) secretFor(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.subs[id]
	if !ok {
		return "", false
	}
	return state.secret, true
}

func (c *WebhookClient) deliver(id string, n Notification) {
	c.mu.Lock()
	state, ok := c.subs[id]
	var (
		sub    *Subscription
		active bool
	)
	if ok {
		sub = state.sub
		active = state.state == subActive
	}
	c.mu.Unlock()

	if !ok || !active {
		c.logger.Debug("notification dropped",
			slog.String("subscription_id", id), slog.Bool("known", ok))
		c.metrics.recordDropped(context.Background(), n.Type, telemetry.TransportWebhook)
		return
	}
	sub.stream.push(n)
	c.metrics.recordNotification(context.Background(), n.Type, telemetry.TransportWebhook)
}

func (c *WebhookClient) revoke(id, reason string) {
	c.mu.Lock()
	state, ok := c.subs[id]
	if ok {
		state.state = subRevoked
		delete(c.subs, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.metrics.recordRevocation(context.Background(), reason)
	c.logger.Warn("subscription revoked",
		slog.String("subscription_id", id), slog.String("reason", reason))
	state.sub.stream.fail(errs.New("eventsub", errs.CodeRevoked,
		errs.WithReason(reason), errs.WithMessage("subscription revoked")))
}

func (c *WebhookClient) scheduleCancel(ctx context.Context, sub *Subscription) {
	run := func() {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), scheduledUnsubscribeTimeout)
			defer cancel()
			if err := sub.Unsubscribe(dctx); err != nil {
				c.logger.Debug("scheduled unsubscribe skipped", slog.Any("error", err))
			}
		}()
	}
	if ctx.Err() != nil {
		run()
		return
	}
	context.AfterFunc(ctx, run)
}

func (c *WebhookClient) newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", errs.New("eventsub", errs.CodeWebhook,
			errs.WithMessage("generate subscription secret"), errs.WithCause(err))
	}
	return hex.EncodeToString(buf), nil
}

func discardedResponse(reason string) *WebhookResponse {
	return &WebhookResponse{
		Status: http.StatusNoContent,
		Kind:   MessageDiscarded,
		Reason: reason,
	}
}
