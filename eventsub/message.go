package eventsub

import (
	"time"

	json "github.com/goccy/go-json"

	"github.com/glowstream/glowstream/errs"
)

// Wire message types carried in the envelope metadata.
const (
	messageTypeWelcome      = "session_welcome"
	messageTypeKeepalive    = "session_keepalive"
	messageTypeReconnect    = "session_reconnect"
	messageTypeRevocation   = "revocation"
	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
)

// Revocation reasons reported in the subscription status.
const (
	RevocationUserRemoved          = "user_removed"
	RevocationAuthorizationRevoked = "authorization_revoked"
	RevocationNotificationFailures = "notification_failures_exceeded"
	RevocationVersionRemoved       = "version_removed"
)

// envelope is the outer shape of every EventSub frame.
type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	MessageTimestamp string `json:"message_timestamp"`
}

// sessionPayload carries the session object of welcome and reconnect frames.
type sessionPayload struct {
	Session sessionInfo `json:"session"`
}

type sessionInfo struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
	ConnectedAt             string `json:"connected_at"`
}

// notificationPayload carries the subscription object of notification and
// revocation frames, plus the event body for notifications.
type notificationPayload struct {
	Subscription SubscriptionInfo `json:"subscription"`
	Event        map[string]any   `json:"event"`
}

// SubscriptionInfo mirrors the subscription object attached to notifications
// and revocations.
type SubscriptionInfo struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Cost      int               `json:"cost"`
	Condition map[string]string `json:"condition"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is a single EventSub event as delivered to a subscription
// stream.
type Notification struct {
	Type         string
	Version      string
	Subscription SubscriptionInfo
	Condition    map[string]string
	Event        map[string]any
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("decode message envelope"), errs.WithCause(err))
	}
	if env.Metadata.MessageType == "" {
		return nil, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("message envelope missing message_type"))
	}
	return &env, nil
}

func decodeNotification(payload []byte) (Notification, error) {
	var decoded notificationPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Notification{}, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("decode notification payload"), errs.WithCause(err))
	}
	if decoded.Subscription.ID == "" {
		return Notification{}, errs.New("eventsub", errs.CodeProtocol,
			errs.WithMessage("notification missing subscription id"))
	}
	return Notification{
		Type:         decoded.Subscription.Type,
		Version:      decoded.Subscription.Version,
		Subscription: decoded.Subscription,
		Condition:    decoded.Subscription.Condition,
		Event:        decoded.Event,
	}, nil
}

func validRevocationReason(reason string) bool {
	switch reason {
	case RevocationUserRemoved, RevocationAuthorizationRevoked,
		RevocationNotificationFailures, RevocationVersionRemoved:
		return true
	}
	return false
}
