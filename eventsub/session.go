package eventsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/errs"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepalive        = 10 * time.Second
	sessionEventBuffer      = 32
	sessionReadLimit        = 1 << 20
)

type sessionEventKind int

const (
	eventNotification sessionEventKind = iota
	eventReconnect
	eventRevocation
	eventError
	eventClose
)

// sessionEvent is one demultiplexed wire message. The close event is always
// the last one; after it the session's event channel is closed.
type sessionEvent struct {
	kind         sessionEventKind
	notification Notification
	reconnectURL string
	revocation   SubscriptionInfo
	err          error
	closeCode    websocket.StatusCode
}

type sessionConfig struct {
	logger           *slog.Logger
	handshakeTimeout time.Duration
}

// SessionOption adjusts session construction.
type SessionOption func(*sessionConfig)

// WithSessionLogger sets the logger used for session lifecycle messages.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandshakeTimeout bounds the wait for the welcome frame.
func WithHandshakeTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

func newSessionConfig(opts []SessionOption) sessionConfig {
	cfg := sessionConfig{
		logger:           slog.Default(),
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Session is one EventSub websocket connection. It is returned live, after
// the welcome handshake, and emits its wire traffic as session events until
// the final close event.
//
// Keepalive loss is treated as a disconnect: when no recognised frame
// arrives within 1.5x the advertised keepalive interval, the session closes
// its connection and the resulting close event reaches the owner, which
// decides whether to reconnect.
type Session struct {
	id       string
	watchdog time.Duration
	conn     *websocket.Conn
	logger   *slog.Logger

	events chan sessionEvent
	rearm  chan struct{}
	done   chan struct{}

	disposeOnce sync.Once
	localClose  atomic.Bool
}

// DialSession connects to url and performs the welcome handshake. The first
// frame must be a text session_welcome carrying a non-empty session id; on
// any other outcome the connection is closed and an error returned.
func DialSession(ctx context.Context, url string, opts ...SessionOption) (*Session, error) {
	cfg := newSessionConfig(opts)

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.New("eventsub", errs.CodeTransport,
			errs.WithMessage("dial eventsub websocket"), errs.WithCause(err))
	}
	conn.SetReadLimit(sessionReadLimit)

	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout)
	defer cancel()

	msgType, data, err := conn.Read(handshakeCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "welcome not received")
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("read welcome frame"), errs.WithCause(err))
	}
	if msgType != websocket.MessageText {
		_ = conn.Close(websocket.StatusUnsupportedData, "expected text frame")
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("welcome frame is not text"))
	}
	env, err := parseEnvelope(data)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "malformed welcome")
		return nil, err
	}
	if env.Metadata.MessageType != messageTypeWelcome {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected session_welcome")
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("first frame is not session_welcome"),
			errs.WithField("message_type", env.Metadata.MessageType))
	}
	var welcome sessionPayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "malformed welcome")
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("decode session_welcome payload"), errs.WithCause(err))
	}
	if welcome.Session.ID == "" {
		_ = conn.Close(websocket.StatusPolicyViolation, "welcome carries no session id")
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("welcome carries no session id"))
	}

	keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	return startSession(conn, welcome.Session.ID, keepalive, cfg), nil
}

// AdoptSession wraps an already-connected conn whose welcome handshake was
// performed elsewhere. The id must be non-empty.
func AdoptSession(conn *websocket.Conn, id string, keepalive time.Duration, opts ...SessionOption) (*Session, error) {
	if id == "" {
		return nil, errs.New("eventsub", errs.CodeValidation,
			errs.WithMessage("session id must not be empty"))
	}
	conn.SetReadLimit(sessionReadLimit)
	return startSession(conn, id, keepalive, newSessionConfig(opts)), nil
}

func startSession(conn *websocket.Conn, id string, keepalive time.Duration, cfg sessionConfig) *Session {
	if keepalive <= 0 {
		keepalive = defaultKeepalive
	}
	s := &Session{
		id:       id,
		watchdog: keepalive * 3 / 2,
		conn:     conn,
		logger:   cfg.logger,
		events:   make(chan sessionEvent, sessionEventBuffer),
		rearm:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.watch()
	go s.readLoop()
	return s
}

// ID returns the session id assigned by the welcome frame.
func (s *Session) ID() string { return s.id }

// Dispose closes the connection with a normal closure status. Safe to call
// multiple times; the read loop emits the final close event.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.localClose.Store(true)
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
}

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		msgType, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.emitClose(err)
			return
		}
		if msgType != websocket.MessageText {
			s.protocolFailure(errs.New("eventsub", errs.CodeProtocol,
				errs.WithMessage("non-text frame on eventsub socket")))
			continue
		}
		env, err := parseEnvelope(data)
		if err != nil {
			s.protocolFailure(err)
			continue
		}
		s.rearmWatchdog()

		switch env.Metadata.MessageType {
		case messageTypeWelcome:
			s.protocolFailure(errs.New("eventsub", errs.CodeProtocol,
				errs.WithMessage("duplicate session_welcome")))
		case messageTypeKeepalive:
			// Watchdog already rearmed.
		case messageTypeReconnect:
			var payload sessionPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Session.ReconnectURL == "" {
				s.protocolFailure(errs.New("eventsub", errs.CodeProtocol,
					errs.WithMessage("malformed session_reconnect payload"), errs.WithCause(err)))
				continue
			}
			s.events <- sessionEvent{kind: eventReconnect, reconnectURL: payload.Session.ReconnectURL}
		case messageTypeRevocation:
			var payload notificationPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Subscription.ID == "" {
				s.protocolFailure(errs.New("eventsub", errs.CodeProtocol,
					errs.WithMessage("malformed revocation payload"), errs.WithCause(err)))
				continue
			}
			s.events <- sessionEvent{kind: eventRevocation, revocation: payload.Subscription}
		case messageTypeNotification:
			n, err := decodeNotification(env.Payload)
			if err != nil {
				s.protocolFailure(err)
				continue
			}
			s.events <- sessionEvent{kind: eventNotification, notification: n}
		default:
			s.protocolFailure(errs.New("eventsub", errs.CodeProtocol,
				errs.WithMessage("unknown message type"),
				errs.WithField("message_type", env.Metadata.MessageType)))
		}
	}
}

// protocolFailure emits the error and tears the connection down; the read
// loop then observes the close and emits the final close event.
func (s *Session) protocolFailure(err error) {
	s.events <- sessionEvent{kind: eventError, err: err}
	s.Dispose()
}

func (s *Session) emitClose(err error) {
	code := websocket.StatusAbnormalClosure
	if s.localClose.Load() {
		code = websocket.StatusNormalClosure
	} else if status := websocket.CloseStatus(err); status != -1 {
		code = status
	}
	s.events <- sessionEvent{kind: eventClose, closeCode: code}
	close(s.events)
}

func (s *Session) rearmWatchdog() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

func (s *Session) watch() {
	timer := time.NewTimer(s.watchdog)
	defer timer.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.rearm:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.watchdog)
		case <-timer.C:
			s.logger.Warn("keepalive missed, disposing session",
				slog.String("session_id", s.id))
			s.Dispose()
			return
		}
	}
}
