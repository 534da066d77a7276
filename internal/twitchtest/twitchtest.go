// Package twitchtest provides in-process Twitch doubles for tests: a
// scriptable EventSub websocket endpoint and a Helix API stub.
package twitchtest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const frameTimeout = 5 * time.Second

// EventSubServer accepts websocket connections and lets the test script the
// frames Twitch would send.
type EventSubServer struct {
	server   *httptest.Server
	conns    chan *EventSubConn
	accepted atomic.Int32
}

// NewEventSubServer starts the websocket endpoint. It is closed with the
// test.
func NewEventSubServer(t *testing.T) *EventSubServer {
	t.Helper()
	s := &EventSubServer{conns: make(chan *EventSubConn, 8)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		conn := &EventSubConn{ws: ws, Query: query, readErr: make(chan error, 1)}
		go conn.readPump()
		s.conns <- conn
	}))
	t.Cleanup(s.server.Close)
	return s
}

// Connections reports how many websocket connections were accepted so far.
func (s *EventSubServer) Connections() int {
	return int(s.accepted.Load())
}

// URL returns the ws:// address clients should dial.
func (s *EventSubServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Accept returns the next accepted connection, failing the test after a
// timeout.
func (s *EventSubServer) Accept(t *testing.T) *EventSubConn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for a websocket connection")
		return nil
	}
}

// EventSubConn is one accepted websocket connection. Query carries the
// client's dial parameters.
type EventSubConn struct {
	ws      *websocket.Conn
	Query   url.Values
	readErr chan error
}

// readPump drains incoming frames so the websocket library answers the
// client's close handshake promptly, as a real peer would. The terminal
// read error carries the close status consumed by ExpectClose.
func (c *EventSubConn) readPump() {
	for {
		_, _, err := c.ws.Read(context.Background())
		if err != nil {
			c.readErr <- err
			return
		}
	}
}

func (c *EventSubConn) send(t *testing.T, messageType string, payload any) {
	t.Helper()
	frame := map[string]any{
		"metadata": map[string]any{
			"message_id":        uuid.NewString(),
			"message_type":      messageType,
			"message_timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"payload": payload,
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal %s frame: %v", messageType, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("write %s frame: %v", messageType, err)
	}
}

// SendWelcome completes the handshake with the given session id.
func (c *EventSubConn) SendWelcome(t *testing.T, sessionID string, keepaliveSeconds int) {
	t.Helper()
	c.send(t, "session_welcome", map[string]any{
		"session": map[string]any{
			"id":                        sessionID,
			"status":                    "connected",
			"keepalive_timeout_seconds": keepaliveSeconds,
			"connected_at":              time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
}

// SendKeepalive rearms the client's keepalive watchdog.
func (c *EventSubConn) SendKeepalive(t *testing.T) {
	t.Helper()
	c.send(t, "session_keepalive", map[string]any{})
}

// SendReconnect asks the client to migrate to reconnectURL.
func (c *EventSubConn) SendReconnect(t *testing.T, reconnectURL string) {
	t.Helper()
	c.send(t, "session_reconnect", map[string]any{
		"session": map[string]any{
			"id":            uuid.NewString(),
			"status":        "reconnecting",
			"reconnect_url": reconnectURL,
		},
	})
}

// Notification describes one notification frame.
type Notification struct {
	SubscriptionID string
	Type           string
	Version        string
	Condition      map[string]string
	Event          map[string]any
}

// SendNotification delivers an event for the given subscription.
func (c *EventSubConn) SendNotification(t *testing.T, n Notification) {
	t.Helper()
	c.send(t, "notification", map[string]any{
		"subscription": map[string]any{
			"id":         n.SubscriptionID,
			"status":     "enabled",
			"type":       n.Type,
			"version":    n.Version,
			"cost":       1,
			"condition":  n.Condition,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
		"event": n.Event,
	})
}

// SendRevocation revokes the subscription with the given reason.
func (c *EventSubConn) SendRevocation(t *testing.T, subscriptionID, eventType, version, reason string) {
	t.Helper()
	c.send(t, "revocation", map[string]any{
		"subscription": map[string]any{
			"id":      subscriptionID,
			"status":  reason,
			"type":    eventType,
			"version": version,
		},
	})
}

// SendRaw writes an arbitrary text frame.
func (c *EventSubConn) SendRaw(t *testing.T, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
}

// Close closes the connection with the given status code.
func (c *EventSubConn) Close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
}

// ExpectClose waits until the peer closes and returns the close status.
func (c *EventSubConn) ExpectClose(t *testing.T) websocket.StatusCode {
	t.Helper()
	select {
	case err := <-c.readErr:
		code := websocket.CloseStatus(err)
		if code == -1 {
			t.Fatalf("connection ended without close frame: %v", err)
		}
		return code
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for a close frame")
		return 0
	}
}

// HelixServer is a minimal Helix double covering the EventSub subscription
// endpoints. Created subscriptions get sequential ids sub-1, sub-2, ...
type HelixServer struct {
	server *httptest.Server

	mu          sync.Mutex
	created     []CreateRequest
	deleted     []string
	nextID      int
	failCreates int
	failDeletes int
}

// CreateRequest records one createEventSubSubscription body together with
// the Authorization header it arrived with.
type CreateRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport TransportRecord   `json:"transport"`

	Authorization string `json:"-"`
}

// TransportRecord mirrors the transport object of a create request.
type TransportRecord struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id"`
	Callback  string `json:"callback"`
	Secret    string `json:"secret"`
}

// NewHelixServer starts the Helix double. It is closed with the test.
func NewHelixServer(t *testing.T) *HelixServer {
	t.Helper()
	s := &HelixServer{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the base URL Helix clients should use.
func (s *HelixServer) URL() string { return s.server.URL }

// Created returns the recorded create request bodies in order.
func (s *HelixServer) Created() []CreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CreateRequest(nil), s.created...)
}

// Deleted returns the subscription ids deleted so far.
func (s *HelixServer) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// FailNextCreate makes the next n create calls respond 500.
func (s *HelixServer) FailNextCreate(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreates = n
}

// FailNextDelete makes the next n delete calls respond 500.
func (s *HelixServer) FailNextDelete(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDeletes = n
}

func (s *HelixServer) handle(w http.ResponseWriter, r *http.Request) {
	writeRateLimitHeaders(w)
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/eventsub/subscriptions"):
		s.handleCreate(w, r)
	case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/eventsub/subscriptions"):
		s.handleDelete(w, r)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Not Found","status":404,"message":"no such endpoint"}`))
	}
}

func (s *HelixServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.Authorization = r.Header.Get("Authorization")

	s.mu.Lock()
	if s.failCreates > 0 {
		s.failCreates--
		s.mu.Unlock()
		writeScriptedFailure(w)
		return
	}
	s.nextID++
	id := fmt.Sprintf("sub-%d", s.nextID)
	s.created = append(s.created, req)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": []map[string]any{{
			"id":         id,
			"status":     "enabled",
			"type":       req.Type,
			"version":    req.Version,
			"cost":       1,
			"condition":  req.Condition,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"transport":  map[string]any{"method": req.Transport.Method},
		}},
		"total":          1,
		"total_cost":     1,
		"max_total_cost": 10,
	})
}

func (s *HelixServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	s.mu.Lock()
	if s.failDeletes > 0 {
		s.failDeletes--
		s.mu.Unlock()
		writeScriptedFailure(w)
		return
	}
	s.deleted = append(s.deleted, id)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeScriptedFailure(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":"Internal Server Error","status":500,"message":"scripted failure"}`))
}

func writeRateLimitHeaders(w http.ResponseWriter) {
	reset := time.Now().Add(30 * time.Second).Unix()
	w.Header().Set("Ratelimit-Limit", "800")
	w.Header().Set("Ratelimit-Remaining", "799")
	w.Header().Set("Ratelimit-Reset", strconv.FormatInt(reset, 10))
}
