package eventsub

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowstream/glowstream/internal/telemetry"
)

// clientMetrics instruments both EventSub transports. Instruments come from
// the global meter provider; recording is a no-op until telemetry is
// initialised.
type clientMetrics struct {
	environment   string
	notifications metric.Int64Counter
	reconnects    metric.Int64Counter
	revocations   metric.Int64Counter
	dropped       metric.Int64Counter
	verdicts      metric.Int64Counter
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("eventsub.client")
	m := &clientMetrics{environment: telemetry.Environment()}
	m.notifications, _ = meter.Int64Counter("glowstream_eventsub_notifications",
		metric.WithDescription("Notifications delivered to subscription streams."),
		metric.WithUnit("{notification}"))
	m.reconnects, _ = meter.Int64Counter("glowstream_eventsub_reconnects",
		metric.WithDescription("Websocket session dials after the first connect."),
		metric.WithUnit("{reconnect}"))
	m.revocations, _ = meter.Int64Counter("glowstream_eventsub_revocations",
		metric.WithDescription("Subscriptions revoked by the service."),
		metric.WithUnit("{revocation}"))
	m.dropped, _ = meter.Int64Counter("glowstream_eventsub_dropped",
		metric.WithDescription("Notifications dropped for unknown or inactive subscriptions."),
		metric.WithUnit("{notification}"))
	m.verdicts, _ = meter.Int64Counter("glowstream_eventsub_webhook_verdicts",
		metric.WithDescription("Webhook deliveries by parse outcome."),
		metric.WithUnit("{request}"))
	return m
}

func (m *clientMetrics) recordNotification(ctx context.Context, eventType, transport string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.NotificationAttributes(m.environment, eventType, transport)...))
}

func (m *clientMetrics) recordReconnect(ctx context.Context, reason string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.ReasonAttributes(m.environment, reason)...))
}

func (m *clientMetrics) recordRevocation(ctx context.Context, reason string) {
	if m == nil || m.revocations == nil {
		return
	}
	m.revocations.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.ReasonAttributes(m.environment, reason)...))
}

func (m *clientMetrics) recordDropped(ctx context.Context, eventType, transport string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.NotificationAttributes(m.environment, eventType, transport)...))
}

func (m *clientMetrics) recordVerdict(ctx context.Context, verdict string) {
	if m == nil || m.verdicts == nil {
		return
	}
	m.verdicts.Add(ensureContext(ctx), 1,
		metric.WithAttributes(telemetry.ReasonAttributes(m.environment, verdict)...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
