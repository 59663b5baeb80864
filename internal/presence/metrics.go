package presence

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("presence")

var (
	writeCounter, _ = meter.Int64Counter("presence_writes_total",
		metric.WithDescription("Presence upserts issued by trackers"))
	writeFailureCounter, _ = meter.Int64Counter("presence_write_failures_total",
		metric.WithDescription("Presence upserts that failed or timed out"))
	fallbackCounter, _ = meter.Int64Counter("presence_fallback_total",
		metric.WithDescription("Switches from the presence procedure to direct upserts"))
	heartbeatCounter, _ = meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Heartbeat ticks handled while foregrounded"))
	cacheEventCounter, _ = meter.Int64Counter("presence_cache_events_total",
		metric.WithDescription("Change feed events applied to the presence cache"))
)

func statusAttr(s Status) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("status", string(s)))
}
