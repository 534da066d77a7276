// Package config centralises runtime configuration helpers for glowstream clients.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the client operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// DefaultHelixBaseURL is the production Helix API root.
	DefaultHelixBaseURL = "https://api.twitch.tv/helix"
	// DefaultEventSubWebsocketURL is the production EventSub WebSocket endpoint.
	DefaultEventSubWebsocketURL = "wss://eventsub.wss.twitch.tv/ws"
	// DefaultAuthBaseURL is the production OAuth endpoint root.
	DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"
)

// Credentials captures the application credentials used for authenticated requests.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// HelixSettings configures the Helix HTTP client.
type HelixSettings struct {
	BaseURL           string
	HTTPTimeout       time.Duration
	RequestsPerMinute int
}

// EventSubSettings configures EventSub WebSocket and webhook delivery.
type EventSubSettings struct {
	WebsocketURL            string
	HandshakeTimeout        time.Duration
	KeepaliveTimeoutSeconds int
	WebhookCallbackURL      string
	SeenCacheCapacity       int
}

// Settings contains the glowstream configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Credentials Credentials
	Helix       HelixSettings
	EventSub    EventSubSettings
	AuthBaseURL string
}

// Default returns the default glowstream configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Credentials: Credentials{ClientID: "", ClientSecret: ""},
		Helix: HelixSettings{
			BaseURL:           DefaultHelixBaseURL,
			HTTPTimeout:       10 * time.Second,
			RequestsPerMinute: 800,
		},
		EventSub: EventSubSettings{
			WebsocketURL:            DefaultEventSubWebsocketURL,
			HandshakeTimeout:        10 * time.Second,
			KeepaliveTimeoutSeconds: 0,
			WebhookCallbackURL:      "",
			SeenCacheCapacity:       10000,
		},
		AuthBaseURL: DefaultAuthBaseURL,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("GLOWSTREAM_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID")); v != "" {
		cfg.Credentials.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET")); v != "" {
		cfg.Credentials.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TWITCH_HELIX_URL")); v != "" {
		cfg.Helix.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TWITCH_EVENTSUB_WS_URL")); v != "" {
		cfg.EventSub.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TWITCH_AUTH_URL")); v != "" {
		cfg.AuthBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Helix.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.EventSub.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_REQUESTS_PER_MINUTE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Helix.RequestsPerMinute = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_KEEPALIVE_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventSub.KeepaliveTimeoutSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_WEBHOOK_CALLBACK")); v != "" {
		cfg.EventSub.WebhookCallbackURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GLOWSTREAM_SEEN_CACHE_CAPACITY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EventSub.SeenCacheCapacity = n
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithCredentials overrides the application credentials.
func WithCredentials(clientID, clientSecret string) Option {
	clientID = strings.TrimSpace(clientID)
	clientSecret = strings.TrimSpace(clientSecret)
	return func(s *Settings) {
		if clientID != "" {
			s.Credentials.ClientID = clientID
		}
		if clientSecret != "" {
			s.Credentials.ClientSecret = clientSecret
		}
	}
}

// WithHelixBaseURL overrides the Helix API root.
func WithHelixBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.Helix.BaseURL = baseURL
		}
	}
}

// WithHTTPTimeout overrides the Helix request timeout.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Helix.HTTPTimeout = timeout
		}
	}
}

// WithRequestsPerMinute overrides the outbound Helix request budget.
func WithRequestsPerMinute(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Helix.RequestsPerMinute = n
		}
	}
}

// WithWebsocketURL overrides the EventSub WebSocket endpoint.
func WithWebsocketURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.EventSub.WebsocketURL = url
		}
	}
}

// WithHandshakeTimeout overrides the welcome handshake timeout.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.EventSub.HandshakeTimeout = timeout
		}
	}
}

// WithKeepaliveTimeout requests a non-default keepalive interval, in seconds.
func WithKeepaliveTimeout(seconds int) Option {
	return func(s *Settings) {
		if seconds > 0 {
			s.EventSub.KeepaliveTimeoutSeconds = seconds
		}
	}
}

// WithWebhookCallback sets the default callback URL for webhook subscriptions.
func WithWebhookCallback(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.EventSub.WebhookCallbackURL = url
		}
	}
}

// WithSeenCacheCapacity overrides the webhook seen-message cache capacity.
func WithSeenCacheCapacity(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.EventSub.SeenCacheCapacity = n
		}
	}
}

// WithAuthBaseURL overrides the OAuth endpoint root.
func WithAuthBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.AuthBaseURL = baseURL
		}
	}
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Helix.BaseURL) == "" {
		return fmt.Errorf("config: helix base URL must not be empty")
	}
	if strings.TrimSpace(s.EventSub.WebsocketURL) == "" {
		return fmt.Errorf("config: eventsub websocket URL must not be empty")
	}
	if strings.TrimSpace(s.AuthBaseURL) == "" {
		return fmt.Errorf("config: auth base URL must not be empty")
	}
	if s.Helix.HTTPTimeout <= 0 {
		return fmt.Errorf("config: http timeout must be positive, got %s", s.Helix.HTTPTimeout)
	}
	if s.EventSub.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: handshake timeout must be positive, got %s", s.EventSub.HandshakeTimeout)
	}
	if s.Helix.RequestsPerMinute <= 0 {
		return fmt.Errorf("config: requests per minute must be positive, got %d", s.Helix.RequestsPerMinute)
	}
	if s.EventSub.KeepaliveTimeoutSeconds < 0 {
		return fmt.Errorf("config: keepalive seconds must not be negative, got %d", s.EventSub.KeepaliveTimeoutSeconds)
	}
	if s.EventSub.SeenCacheCapacity <= 0 {
		return fmt.Errorf("config: seen cache capacity must be positive, got %d", s.EventSub.SeenCacheCapacity)
	}
	return nil
}
