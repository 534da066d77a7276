package helix

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glowstream/glowstream/errs"
)

const (
	throttleWarnCooldown = 60 * time.Second
	maxRateLimitBackoff  = 30 * time.Second
	maxBackoffDoublings  = 5
)

// Manager tracks the server-reported Helix bucket and decides how long a
// caller should back off once requests start coming back 429.
type Manager struct {
	mu      sync.Mutex
	logger  *slog.Logger
	now     func() time.Time
	metrics *rateLimitMetrics

	limit           int
	remaining       int
	resetAt         time.Time
	consecutiveHits int
	lastWarnAt      time.Time
}

// NewManager creates a rate-limit manager. A nil logger falls back to
// slog.Default and a nil clock to time.Now.
func NewManager(logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		logger:  logger,
		now:     now,
		metrics: newRateLimitMetrics(),
	}
}

// OnRequestAttempt records the rate-limit headers of a completed exchange
// and warns when the bucket drops below ten percent remaining. Warnings are
// spaced at least a minute apart.
func (m *Manager) OnRequestAttempt(headers RateLimitHeaders) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = headers.Limit
	m.remaining = headers.Remaining
	m.resetAt = headers.Reset
	if m.limit <= 0 || m.remaining*10 >= m.limit {
		return
	}
	now := m.now()
	if !m.lastWarnAt.IsZero() && now.Sub(m.lastWarnAt) < throttleWarnCooldown {
		return
	}
	m.lastWarnAt = now
	m.metrics.recordWarning(context.Background())
	m.logger.Warn("helix bucket nearly exhausted",
		slog.Int("remaining", m.remaining),
		slog.Int("limit", m.limit),
		slog.Time("reset_at", m.resetAt))
}

// OnRateLimitHit registers a 429 response and returns how long to wait
// before the next attempt: the longer of the time until the bucket resets
// and an exponential backoff capped at thirty seconds.
func (m *Manager) OnRateLimitHit() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveHits++
	m.metrics.recordHit(context.Background())
	if m.consecutiveHits == 1 {
		m.logger.Warn("helix rate limit hit", slog.Time("reset_at", m.resetAt))
	}
	doublings := m.consecutiveHits - 1
	if doublings > maxBackoffDoublings {
		doublings = maxBackoffDoublings
	}
	wait := time.Second << uint(doublings)
	if wait > maxRateLimitBackoff {
		wait = maxRateLimitBackoff
	}
	if untilReset := m.resetAt.Sub(m.now()); untilReset > wait {
		wait = untilReset
	}
	return wait
}

// OnSuccessfulRequest clears the consecutive-hit counter.
func (m *Manager) OnSuccessfulRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveHits = 0
}

// State returns a snapshot of the current bucket.
func (m *Manager) State() errs.RateLimit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return errs.RateLimit{
		Limit:           m.limit,
		Remaining:       m.remaining,
		ResetAt:         m.resetAt,
		ConsecutiveHits: m.consecutiveHits,
	}
}
