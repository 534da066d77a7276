// Package errs provides structured error types and helpers for the glowstream client.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category raised by the client.
type Code string

const (
	// CodeValidation indicates client-side input that failed schema validation.
	CodeValidation Code = "validation"
	// CodeAuth indicates a missing or unusable access token.
	CodeAuth Code = "auth"
	// CodeScopes indicates a user token lacking the scopes an endpoint requires.
	CodeScopes Code = "insufficient_scopes"
	// CodeRateLimited indicates the request exhausted its rate-limit retries.
	CodeRateLimited Code = "rate_limited"
	// CodeTransport indicates an HTTP transport failure or cancelled request.
	CodeTransport Code = "transport"
	// CodeProtocol indicates a WebSocket protocol violation on an EventSub session.
	CodeProtocol Code = "ws_protocol"
	// CodeWebhook indicates an inbound webhook request that failed verification.
	CodeWebhook Code = "webhook"
	// CodeRevoked indicates a subscription revoked by the server.
	CodeRevoked Code = "revoked"
	// CodeAPI indicates a Helix response outside the endpoint's success codes.
	CodeAPI Code = "api"
)

// RateLimit snapshots the Helix rate-limit state at the time of an error.
type RateLimit struct {
	Limit           int
	Remaining       int
	ResetAt         time.Time
	ConsecutiveHits int
}

// E captures structured error information produced across the glowstream stack.
type E struct {
	Op             string
	Code           Code
	HTTP           int
	Message        string
	RequiredScopes string
	Reason         string
	RateLimit      *RateLimit
	Meta           map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:             strings.TrimSpace(op),
		Code:           code,
		HTTP:           0,
		Message:        "",
		RequiredScopes: "",
		Reason:         "",
		RateLimit:      nil,
		Meta:           nil,
		cause:          nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithScopes records the rendered scope set an endpoint required.
func WithScopes(scopes string) Option {
	trimmed := strings.TrimSpace(scopes)
	return func(e *E) {
		e.RequiredScopes = trimmed
	}
}

// WithReason records a server-supplied reason, such as a revocation status.
func WithReason(reason string) Option {
	trimmed := strings.TrimSpace(reason)
	return func(e *E) {
		e.Reason = trimmed
	}
}

// WithRateLimit attaches a rate-limit snapshot to the error.
func WithRateLimit(rl RateLimit) Option {
	return func(e *E) {
		copied := rl
		e.RateLimit = &copied
	}
}

// WithMeta merges the provided metadata into the error envelope.
func WithMeta(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Meta[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Meta == nil {
			e.Meta = make(map[string]string, 1)
		}
		e.Meta[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RequiredScopes != "" {
		parts = append(parts, "scopes="+strconv.Quote(e.RequiredScopes))
	}
	if e.Reason != "" {
		parts = append(parts, "reason="+strconv.Quote(e.Reason))
	}
	if e.RateLimit != nil {
		parts = append(parts,
			"ratelimit="+strconv.Itoa(e.RateLimit.Remaining)+"/"+strconv.Itoa(e.RateLimit.Limit)+
				" reset="+e.RateLimit.ResetAt.UTC().Format(time.RFC3339))
	}
	if len(e.Meta) > 0 {
		keys := make([]string, 0, len(e.Meta))
		for k := range e.Meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Meta[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus extracts the HTTP status recorded on err, or 0 when absent.
func HTTPStatus(err error) int {
	var e *E
	if errors.As(err, &e) {
		return e.HTTP
	}
	return 0
}
