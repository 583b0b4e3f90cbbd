package streams

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	publishedEvents   otelmetric.Int64Counter
	consumedEvents    otelmetric.Int64Counter
	droppedEvents     otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("datamachine/queue/streams")
	var err error
	publishedEvents, err = meter.Int64Counter("stream_events_published_total",
		otelmetric.WithDescription("Events appended to Redis Streams"))
	if err != nil {
		slog.Warn("stream metrics init", slog.String("instrument", "stream_events_published_total"), slog.Any("error", err))
	}
	consumedEvents, err = meter.Int64Counter("stream_events_consumed_total",
		otelmetric.WithDescription("Events read from Redis Streams"))
	if err != nil {
		slog.Warn("stream metrics init", slog.String("instrument", "stream_events_consumed_total"), slog.Any("error", err))
	}
	droppedEvents, err = meter.Int64Counter("stream_events_dropped_total",
		otelmetric.WithDescription("Undecodable or schema-invalid events acknowledged without processing"))
	if err != nil {
		slog.Warn("stream metrics init", slog.String("instrument", "stream_events_dropped_total"), slog.Any("error", err))
	}
}

func streamAttrs(stream, eventType string) otelmetric.AddOption {
	return otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	)
}

func recordPublished(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if publishedEvents != nil {
		publishedEvents.Add(ctx, 1, streamAttrs(stream, eventType))
	}
}

func recordConsumed(ctx context.Context, stream, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if consumedEvents != nil {
		consumedEvents.Add(ctx, 1, streamAttrs(stream, eventType))
	}
}

func recordDropped(ctx context.Context, stream, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if droppedEvents != nil {
		droppedEvents.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("reason", reason),
		))
	}
}
