package helix

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glowstream/glowstream/internal/telemetry"
)

type clientMetrics struct {
	environment string

	requests        metric.Int64Counter
	retries         metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func newClientMetrics() *clientMetrics {
	meter := otel.Meter("helix.client")

	cm := &clientMetrics{
		environment:     telemetry.Environment(),
		requests:        nil,
		retries:         nil,
		requestDuration: nil,
	}

	cm.requests, _ = meter.Int64Counter("glowstream_helix_requests",
		metric.WithDescription("Completed Helix calls by endpoint and final status"),
		metric.WithUnit("{request}"))

	cm.retries, _ = meter.Int64Counter("glowstream_helix_retries",
		metric.WithDescription("Helix retry iterations by endpoint and reason"),
		metric.WithUnit("{retry}"))

	cm.requestDuration, _ = meter.Float64Histogram("glowstream_helix_request_duration",
		metric.WithDescription("End-to-end Helix call duration including retry waits"),
		metric.WithUnit("ms"))

	return cm
}

func (cm *clientMetrics) recordRequest(ctx context.Context, endpoint string, status int) {
	if cm == nil || cm.requests == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.RequestAttributes(cm.environment, endpoint, status)
	cm.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordRetry(ctx context.Context, endpoint, reason string) {
	if cm == nil || cm.retries == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.RetryAttributes(cm.environment, endpoint, reason)
	cm.retries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (cm *clientMetrics) recordDuration(ctx context.Context, endpoint string, elapsed time.Duration) {
	if cm == nil || cm.requestDuration == nil {
		return
	}
	ctx = ensureContext(ctx)
	if elapsed < 0 {
		elapsed = 0
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(cm.environment),
		telemetry.AttrEndpoint.String(endpoint),
	}
	cm.requestDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
}

type rateLimitMetrics struct {
	environment string

	warnings metric.Int64Counter
	hits     metric.Int64Counter
}

func newRateLimitMetrics() *rateLimitMetrics {
	meter := otel.Meter("helix.ratelimit")

	rm := &rateLimitMetrics{
		environment: telemetry.Environment(),
		warnings:    nil,
		hits:        nil,
	}

	rm.warnings, _ = meter.Int64Counter("glowstream_helix_rate_limit_warnings",
		metric.WithDescription("Times the Helix bucket dropped below ten percent remaining"),
		metric.WithUnit("{warning}"))

	rm.hits, _ = meter.Int64Counter("glowstream_helix_rate_limit_hits",
		metric.WithDescription("Helix 429 responses observed"),
		metric.WithUnit("{hit}"))

	return rm
}

func (rm *rateLimitMetrics) recordWarning(ctx context.Context) {
	if rm == nil || rm.warnings == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.ReasonAttributes(rm.environment, "bucket_low")
	rm.warnings.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (rm *rateLimitMetrics) recordHit(ctx context.Context) {
	if rm == nil || rm.hits == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.ReasonAttributes(rm.environment, "bucket_exhausted")
	rm.hits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
