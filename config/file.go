package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileSettings mirrors the YAML document layout accepted by FromFile.
type FileSettings struct {
	Environment string `yaml:"environment"`
	Credentials struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"credentials"`
	Helix struct {
		BaseURL           string        `yaml:"base_url"`
		HTTPTimeout       time.Duration `yaml:"http_timeout"`
		RequestsPerMinute int           `yaml:"requests_per_minute"`
	} `yaml:"helix"`
	EventSub struct {
		WebsocketURL            string        `yaml:"websocket_url"`
		HandshakeTimeout        time.Duration `yaml:"handshake_timeout"`
		KeepaliveTimeoutSeconds int           `yaml:"keepalive_timeout_seconds"`
		WebhookCallbackURL      string        `yaml:"webhook_callback_url"`
		SeenCacheCapacity       int           `yaml:"seen_cache_capacity"`
	} `yaml:"eventsub"`
	AuthBaseURL string `yaml:"auth_base_url"`
}

// FromFile loads a YAML configuration document from disk, layering it over defaults.
func FromFile(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Settings{}, fmt.Errorf("config: file path must not be empty")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}

	var file FileSettings
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config file: %w", err)
	}

	cfg := Default()
	if env := strings.TrimSpace(file.Environment); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(file.Credentials.ClientID); v != "" {
		cfg.Credentials.ClientID = v
	}
	if v := strings.TrimSpace(file.Credentials.ClientSecret); v != "" {
		cfg.Credentials.ClientSecret = v
	}
	if v := strings.TrimSpace(file.Helix.BaseURL); v != "" {
		cfg.Helix.BaseURL = v
	}
	if file.Helix.HTTPTimeout > 0 {
		cfg.Helix.HTTPTimeout = file.Helix.HTTPTimeout
	}
	if file.Helix.RequestsPerMinute > 0 {
		cfg.Helix.RequestsPerMinute = file.Helix.RequestsPerMinute
	}
	if v := strings.TrimSpace(file.EventSub.WebsocketURL); v != "" {
		cfg.EventSub.WebsocketURL = v
	}
	if file.EventSub.HandshakeTimeout > 0 {
		cfg.EventSub.HandshakeTimeout = file.EventSub.HandshakeTimeout
	}
	if file.EventSub.KeepaliveTimeoutSeconds > 0 {
		cfg.EventSub.KeepaliveTimeoutSeconds = file.EventSub.KeepaliveTimeoutSeconds
	}
	if v := strings.TrimSpace(file.EventSub.WebhookCallbackURL); v != "" {
		cfg.EventSub.WebhookCallbackURL = v
	}
	if file.EventSub.SeenCacheCapacity > 0 {
		cfg.EventSub.SeenCacheCapacity = file.EventSub.SeenCacheCapacity
	}
	if v := strings.TrimSpace(file.AuthBaseURL); v != "" {
		cfg.AuthBaseURL = v
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}
