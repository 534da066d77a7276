// Package eventsub subscribes to Twitch EventSub over websocket or webhook
// transport and delivers notifications as ordered per-subscription streams.
package eventsub

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/errs"
	"github.com/glowstream/glowstream/helix"
	"github.com/glowstream/glowstream/internal/telemetry"
	"github.com/glowstream/glowstream/registry"
)

const (
	maxDialBackoff              = 30 * time.Second
	scheduledUnsubscribeTimeout = 10 * time.Second
)

// Close codes after which a fresh session can be opened with the same
// subscriptions re-created. Everything else ends every stream.
var recoverableCloseCodes = map[websocket.StatusCode]bool{
	websocket.StatusNormalClosure: true,
	websocket.StatusGoingAway:     true,
	4000:                          true,
	4004:                          true,
	4005:                          true,
	4006:                          true,
	4007:                          true,
}

type subLifecycle int

const (
	subActive subLifecycle = iota
	subInactive
	subRevoked
)

// subState is the client-side record of one subscription, keyed by its
// current id.
type subState struct {
	sub     *Subscription
	state   subLifecycle
	request *helix.CreateSubscriptionRequest
	token   helix.TokenProvider

	// webhook transport only
	secret string
}

type subscribeConfig struct {
	token  helix.TokenProvider
	cancel context.Context
}

// SubscribeOption adjusts a single Subscribe call.
type SubscribeOption func(*subscribeConfig)

// WithUserToken routes this subscription's create and delete calls through
// the given token provider.
func WithUserToken(provider helix.TokenProvider) SubscribeOption {
	return func(c *subscribeConfig) { c.token = provider }
}

// WithCancel ties the subscription to ctx: once ctx is cancelled an
// unsubscribe is scheduled in the background.
func WithCancel(ctx context.Context) SubscribeOption {
	return func(c *subscribeConfig) { c.cancel = ctx }
}

func newSubscribeConfig(opts []SubscribeOption) subscribeConfig {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// sessionFuture is the serialisation point for concurrent dials: the first
// goroutine publishes the future and dials, later callers wait on done.
type sessionFuture struct {
	done chan struct{}
	sess *Session
	err  error
}

func newSessionFuture() *sessionFuture {
	return &sessionFuture{done: make(chan struct{})}
}

func (f *sessionFuture) resolve(sess *Session, err error) {
	f.sess = sess
	f.err = err
	close(f.done)
}

func (f *sessionFuture) wait(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, errs.New("eventsub", errs.CodeTransport,
			errs.WithMessage("wait for session"), errs.WithCause(ctx.Err()))
	case <-f.done:
		return f.sess, f.err
	}
}

// Client subscribes to EventSub over a websocket session. It owns at most
// one active session and at most one pending dial at a time; subscriptions
// survive recoverable closes by being re-created on the replacement session.
type Client struct {
	api              *helix.Client
	logger           *slog.Logger
	metrics          *clientMetrics
	wsURL            string
	keepalive        int
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu      sync.Mutex
	active  *Session
	pending *sessionFuture
	subs    map[string]*subState
	closed  bool
}

// ClientOption adjusts the websocket client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a websocket EventSub client on top of api.
func NewClient(api *helix.Client, cfg config.Settings, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		api:              api,
		logger:           slog.Default(),
		wsURL:            cfg.EventSub.WebsocketURL,
		keepalive:        cfg.EventSub.KeepaliveTimeoutSeconds,
		handshakeTimeout: cfg.EventSub.HandshakeTimeout,
		ctx:              ctx,
		cancel:           cancel,
		subs:             make(map[string]*subState),
	}
	if c.wsURL == "" {
		c.wsURL = config.DefaultEventSubWebsocketURL
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newClientMetrics()
	return c
}

// Subscribe registers a subscription for the event key on the current
// session, opening one first when needed. The returned Subscription stays
// valid across session migrations and recoverable reconnects.
func (c *Client) Subscribe(ctx context.Context, key registry.Key, condition map[string]string, opts ...SubscribeOption) (*Subscription, error) {
	cfg := newSubscribeConfig(opts)

	desc, ok := registry.LookupByKey(key)
	if !ok {
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("unknown event key"), errs.WithField("key", string(key)))
	}
	if err := desc.Condition.ValidateCondition(condition); err != nil {
		return nil, err
	}

	sess, err := c.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	req := &helix.CreateSubscriptionRequest{
		Type:      desc.Type,
		Version:   desc.Version,
		Condition: condition,
		Transport: helix.SubscriptionTransport{Method: "websocket", SessionID: sess.ID()},
	}
	id, err := createSubscription(ctx, c.api, req, cfg.token)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{owner: c, stream: newStream(), id: id}
	c.mu.Lock()
	c.subs[id] = &subState{sub: sub, state: subActive, request: req, token: cfg.token}
	c.mu.Unlock()

	if cfg.cancel != nil {
		c.scheduleCancel(cfg.cancel, sub)
	}
	return sub, nil
}

// Unsubscribe deletes the subscription remotely and closes its stream. A
// remote delete failure is recovered locally: the subscription stays live
// and the failure is logged.
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
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

// Close disposes the active session, ends every stream normally, and waits
// for background goroutines.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	active := c.active
	c.active = nil
	states := make([]*subState, 0, len(c.subs))
	for id, state := range c.subs {
		delete(c.subs, id)
		states = append(states, state)
	}
	c.mu.Unlock()

	c.cancel()
	if active != nil {
		active.Dispose()
	}
	for _, state := range states {
		state.sub.stream.close()
	}
	c.wg.Wait()
}

func (c *Client) ensureSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("client is closed"))
	}
	if c.active != nil {
		sess := c.active
		c.mu.Unlock()
		return sess, nil
	}
	c.mu.Unlock()
	return c.openSession(ctx)
}

// openSession dials a fresh session, retrying with exponential backoff until
// ctx or the client lifetime ends. Concurrent callers share one dial through
// the pending future.
func (c *Client) openSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("client is closed"))
	}
	if f := c.pending; f != nil {
		c.mu.Unlock()
		return f.wait(ctx)
	}
	future := newSessionFuture()
	c.pending = future
	c.mu.Unlock()

	sess, err := c.dialLoop(ctx)
	c.clearPending(future)
	if err == nil {
		if aerr := c.activate(sess, true); aerr != nil {
			sess, err = nil, aerr
		}
	}
	future.resolve(sess, err)
	return sess, err
}

// migrateSession moves to the reconnect URL the service supplied. The
// current subscriptions remain valid on the migrated session, so no
// re-create pass runs. A failed migration falls back to a fresh session.
func (c *Client) migrateSession(reconnectURL string) {
	c.mu.Lock()
	if c.closed || c.pending != nil {
		c.mu.Unlock()
		return
	}
	future := newSessionFuture()
	c.pending = future
	c.mu.Unlock()

	sess, err := DialSession(c.ctx, reconnectURL, c.sessionOptions()...)
	c.clearPending(future)
	if err == nil {
		c.metrics.recordReconnect(c.ctx, "migrate")
		if aerr := c.activate(sess, false); aerr != nil {
			future.resolve(nil, aerr)
			return
		}
		future.resolve(sess, nil)
		return
	}

	c.logger.Warn("session migration failed, opening a fresh session",
		slog.String("url", reconnectURL), slog.Any("error", err))
	fresh, ferr := c.openSession(c.ctx)
	future.resolve(fresh, ferr)
}

func (c *Client) dialLoop(ctx context.Context) (*Session, error) {
	target := c.websocketURL()
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxDialBackoff

	for {
		select {
		case <-ctx.Done():
			return nil, errs.New("eventsub", errs.CodeTransport,
				errs.WithMessage("open session"), errs.WithCause(ctx.Err()))
		case <-c.ctx.Done():
			return nil, errs.New("eventsub", errs.CodeValidation,
				errs.WithMessage("client is closed"))
		default:
		}

		sess, err := DialSession(ctx, target, c.sessionOptions()...)
		if err == nil {
			return sess, nil
		}
		c.metrics.recordReconnect(ctx, "dial_error")
		c.logger.Warn("eventsub dial failed",
			slog.String("url", target), slog.Any("error", err))

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxDialBackoff
		}
		select {
		case <-ctx.Done():
			return nil, errs.New("eventsub", errs.CodeTransport,
				errs.WithMessage("open session"), errs.WithCause(ctx.Err()))
		case <-c.ctx.Done():
			return nil, errs.New("eventsub", errs.CodeValidation,
				errs.WithMessage("client is closed"))
		case <-time.After(sleep):
		}
	}
}

// activate installs sess as the active session, disposing a superseded one,
// optionally re-creating every current subscription on it, and finally
// starting its dispatch loop. The dispatch goroutine is registered under the
// client mutex so Close never races its startup, but it only begins
// consuming once the re-create pass is done.
func (c *Client) activate(sess *Session, recreate bool) error {
	ready := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Dispose()
		go func() {
			for range sess.events {
			}
		}()
		return errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("client is closed"))
	}
	previous := c.active
	c.active = sess
	c.wg.Go(func() {
		<-ready
		c.dispatch(sess)
	})
	c.mu.Unlock()

	if previous != nil && previous != sess {
		// The dispatch loop ignores the superseded session's close event
		// because it no longer matches the active session.
		previous.Dispose()
	}
	if recreate {
		c.recreateSubscriptions(sess)
	}
	close(ready)
	return nil
}

func (c *Client) recreateSubscriptions(sess *Session) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var wg conc.WaitGroup
	for _, id := range ids {
		wg.Go(func() { c.recreateOne(sess, id) })
	}
	wg.Wait()
}

// recreateOne re-issues the create call with the new session id and re-keys
// the map entry old id to new id atomically.
func (c *Client) recreateOne(sess *Session, oldID string) {
	c.mu.Lock()
	state, ok := c.subs[oldID]
	c.mu.Unlock()
	if !ok {
		return
	}

	req := *state.request
	req.Transport = helix.SubscriptionTransport{Method: "websocket", SessionID: sess.ID()}
	newID, err := createSubscription(c.ctx, c.api, &req, state.token)

	c.mu.Lock()
	current, still := c.subs[oldID]
	if !still || current != state {
		c.mu.Unlock()
		return
	}
	if err != nil {
		delete(c.subs, oldID)
		c.mu.Unlock()
		c.logger.Error("re-create subscription failed",
			slog.String("subscription_id", oldID), slog.Any("error", err))
		state.sub.stream.fail(err)
		return
	}
	delete(c.subs, oldID)
	state.state = subActive
	state.request = &req
	c.subs[newID] = state
	c.mu.Unlock()

	state.sub.setID(newID)
	c.logger.Info("subscription re-created",
		slog.String("old_id", oldID), slog.String("new_id", newID))
}

// dispatch consumes one session's events in FIFO order until its channel
// closes after the final close event.
func (c *Client) dispatch(sess *Session) {
	for ev := range sess.events {
		switch ev.kind {
		case eventNotification:
			c.handleNotification(ev.notification)
		case eventReconnect:
			c.logger.Info("session reconnect requested",
				slog.String("session_id", sess.ID()))
			reconnectURL := ev.reconnectURL
			c.wg.Go(func() { c.migrateSession(reconnectURL) })
		case eventRevocation:
			c.handleRevocation(ev.revocation)
		case eventError:
			c.logger.Error("eventsub protocol failure",
				slog.String("session_id", sess.ID()), slog.Any("error", ev.err))
		case eventClose:
			c.handleClose(sess, ev.closeCode)
		}
	}
}

func (c *Client) handleNotification(n Notification) {
	c.mu.Lock()
	state, ok := c.subs[n.Subscription.ID]
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
			slog.String("subscription_id", n.Subscription.ID),
			slog.Bool("known", ok))
		c.metrics.recordDropped(c.ctx, n.Type, telemetry.TransportWebsocket)
		return
	}
	sub.stream.push(n)
	c.metrics.recordNotification(c.ctx, n.Type, telemetry.TransportWebsocket)
}

func (c *Client) handleRevocation(info SubscriptionInfo) {
	c.mu.Lock()
	state, ok := c.subs[info.ID]
	if ok {
		state.state = subRevoked
		delete(c.subs, info.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("revocation for unknown subscription",
			slog.String("subscription_id", info.ID))
		return
	}
	c.metrics.recordRevocation(c.ctx, info.Status)
	c.logger.Warn("subscription revoked",
		slog.String("subscription_id", info.ID), slog.String("reason", info.Status))
	state.sub.stream.fail(errs.New("eventsub", errs.CodeRevoked,
		errs.WithReason(info.Status), errs.WithMessage("subscription revoked")))
}

func (c *Client) handleClose(sess *Session, code websocket.StatusCode) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	c.active = nil
	for _, state := range c.subs {
		if state.state == subActive {
			state.state = subInactive
		}
	}
	if recoverableCloseCodes[code] {
		c.mu.Unlock()
		c.logger.Info("session closed, reopening",
			slog.String("session_id", sess.ID()), slog.Int("close_code", int(code)))
		c.metrics.recordReconnect(c.ctx, "recoverable_close")
		c.wg.Go(func() { _, _ = c.openSession(c.ctx) })
		return
	}
	failed := make([]*subState, 0, len(c.subs))
	for id, state := range c.subs {
		delete(c.subs, id)
		failed = append(failed, state)
	}
	c.mu.Unlock()

	c.logger.Error("session closed, not recoverable",
		slog.String("session_id", sess.ID()), slog.Int("close_code", int(code)))
	err := errs.New("eventsub", errs.CodeProtocol,
		errs.WithMessage("session closed"),
		errs.WithField("close_code", strconv.Itoa(int(code))))
	for _, state := range failed {
		state.sub.stream.fail(err)
	}
}

func (c *Client) scheduleCancel(ctx context.Context, sub *Subscription) {
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

func (c *Client) clearPending(f *sessionFuture) {
	c.mu.Lock()
	if c.pending == f {
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Client) sessionOptions() []SessionOption {
	opts := []SessionOption{WithSessionLogger(c.logger)}
	if c.handshakeTimeout > 0 {
		opts = append(opts, WithHandshakeTimeout(c.handshakeTimeout))
	}
	return opts
}

func (c *Client) websocketURL() string {
	if c.keepalive <= 0 {
		return c.wsURL
	}
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return c.wsURL
	}
	q := u.Query()
	q.Set("keepalive_timeout_seconds", strconv.Itoa(c.keepalive))
	u.RawQuery = q.Encode()
	return u.String()
}

func createSubscription(ctx context.Context, api *helix.Client, req *helix.CreateSubscriptionRequest, token helix.TokenProvider) (string, error) {
	var opts []helix.CallOption
	if token != nil {
		opts = append(opts, helix.AsUser(token))
	}
	page, err := api.CreateEventSubSubscription(ctx, req, opts...)
	if err != nil {
		return "", err
	}
	if len(page.Data) == 0 {
		return "", errs.New("eventsub", errs.CodeAPI,
			errs.WithMessage("create returned no subscription"))
	}
	return page.Data[0].ID, nil
}
