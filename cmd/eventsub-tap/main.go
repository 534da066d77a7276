// Command eventsub-tap subscribes to Twitch EventSub topics over websocket
// and prints each notification as a JSON line on stdout until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
	"golang.org/x/oauth2"

	"github.com/glowstream/glowstream/auth"
	"github.com/glowstream/glowstream/config"
	"github.com/glowstream/glowstream/eventsub"
	"github.com/glowstream/glowstream/helix"
	"github.com/glowstream/glowstream/internal/logging"
	"github.com/glowstream/glowstream/internal/telemetry"
	"github.com/glowstream/glowstream/registry"
)

const (
	defaultKeys              = "StreamOnline,StreamOffline"
	telemetryShutdownTimeout = 5 * time.Second
)

type tapFlags struct {
	keys       []string
	conditions map[string]string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	flags := parseFlags()

	logger := logging.New(flags.logLevel, flags.logFormat)

	if err := loadEnvFile(flags.envFile); err != nil {
		logger.Error("load env file", "file", flags.envFile, "error", err)
		os.Exit(1)
	}

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Credentials.ClientID == "" || cfg.Credentials.ClientSecret == "" {
		logger.Error("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET must be set")
		os.Exit(1)
	}
	if len(flags.keys) == 0 {
		logger.Error("no event keys given; pass -keys with at least one key")
		os.Exit(1)
	}

	ctx, stop := newSignalContext()
	defer stop()

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}

	appToken := auth.AppToken(cfg.Credentials.ClientID, cfg.Credentials.ClientSecret,
		auth.WithBaseURL(cfg.AuthBaseURL))
	api := helix.NewClient(cfg, helix.WithAppToken(appToken), helix.WithLogger(logger))
	client := eventsub.NewClient(api, cfg, eventsub.WithLogger(logger))

	subOpts := subscribeOptions(cfg)
	printer := &linePrinter{enc: json.NewEncoder(os.Stdout)}

	var lifecycle conc.WaitGroup
	for _, key := range flags.keys {
		sub, err := client.Subscribe(ctx, registry.Key(key), flags.conditions, subOpts...)
		if err != nil {
			logger.Error("subscribe failed", "key", key, "error", err)
			os.Exit(1)
		}
		logger.Info("subscribed", "key", key, "subscription_id", sub.ID())
		lifecycle.Go(func() { tapSubscription(logger, printer, key, sub) })
	}

	ended := make(chan struct{})
	go func() {
		lifecycle.Wait()
		close(ended)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-ended:
		logger.Info("all subscriptions ended")
	}

	client.Close()
	<-ended

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown telemetry", "error", err)
	}
}

func parseFlags() tapFlags {
	flags := tapFlags{conditions: make(map[string]string)}

	keys := flag.String("keys", defaultKeys, "comma-separated EventSub event keys to subscribe to")
	broadcaster := flag.String("broadcaster", "", "broadcaster user id, applied as the broadcaster_user_id condition")
	user := flag.String("user", "", "user id, applied as the user_id condition")
	flag.Func("cond", "extra condition field as key=value (repeatable)", func(v string) error {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return fmt.Errorf("expected key=value, got %q", v)
		}
		flags.conditions[name] = value
		return nil
	})
	flag.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before reading configuration")
	flag.StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flag.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	flag.Parse()

	for _, key := range strings.Split(*keys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			flags.keys = append(flags.keys, key)
		}
	}
	if *broadcaster != "" {
		flags.conditions["broadcaster_user_id"] = *broadcaster
	}
	if *user != "" {
		flags.conditions["user_id"] = *user
	}
	return flags
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// subscribeOptions attaches a user token provider when TWITCH_USER_TOKEN is
// set, so subscriptions that require user authorization can be created.
func subscribeOptions(cfg config.Settings) []eventsub.SubscribeOption {
	userToken := strings.TrimSpace(os.Getenv("TWITCH_USER_TOKEN"))
	if userToken == "" {
		return nil
	}
	token := &oauth2.Token{
		AccessToken:  userToken,
		RefreshToken: strings.TrimSpace(os.Getenv("TWITCH_REFRESH_TOKEN")),
	}
	provider := auth.UserToken(cfg.Credentials.ClientID, cfg.Credentials.ClientSecret, token,
		auth.WithBaseURL(cfg.AuthBaseURL))
	return []eventsub.SubscribeOption{eventsub.WithUserToken(provider)}
}

func tapSubscription(logger *slog.Logger, printer *linePrinter, key string, sub *eventsub.Subscription) {
	err := sub.Each(func(n eventsub.Notification) error {
		return printer.print(n)
	})
	if err != nil {
		logger.Error("subscription ended", "key", key, "error", err)
		return
	}
	logger.Info("subscription closed", "key", key)
}

type tapLine struct {
	ReceivedAt     time.Time         `json:"received_at"`
	Type           string            `json:"type"`
	Version        string            `json:"version"`
	SubscriptionID string            `json:"subscription_id"`
	Condition      map[string]string `json:"condition,omitempty"`
	Event          map[string]any    `json:"event"`
}

// linePrinter serialises notifications from all subscription goroutines onto
// one stdout stream.
type linePrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *linePrinter) print(n eventsub.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(tapLine{
		ReceivedAt:     time.Now().UTC(),
		Type:           n.Type,
		Version:        n.Version,
		SubscriptionID: n.Subscription.ID,
		Condition:      n.Condition,
		Event:          n.Event,
	})
}
