package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Glowstream-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Helix attributes
	AttrEndpoint = attribute.Key("endpoint")
	AttrStatus   = attribute.Key("status")

	// EventSub attributes
	AttrEventType = attribute.Key("event.type")
	AttrTransport = attribute.Key("transport")
	AttrReason    = attribute.Key("reason")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Transport values
const (
	TransportWebsocket = "websocket"
	TransportWebhook   = "webhook"
)

// RequestAttributes returns common attributes for Helix request metrics.
func RequestAttributes(environment, endpoint string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEndpoint.String(endpoint),
		AttrStatus.Int(status),
	}
}

// RetryAttributes returns attributes for Helix retry metrics.
func RetryAttributes(environment, endpoint, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEndpoint.String(endpoint),
		AttrReason.String(reason),
	}
}

// NotificationAttributes returns attributes for EventSub delivery metrics.
func NotificationAttributes(environment, eventType, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrTransport.String(transport),
	}
}

// ReasonAttributes returns attributes for reconnect and revocation metrics.
func ReasonAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}
