package camera

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// sessionMetrics holds the otel instruments the core reports through. With no
// meter provider configured these are no-ops, so the ingestion path can
// record unconditionally.
type sessionMetrics struct {
	framesIngested metric.Int64Counter
	framesDropped  metric.Int64Counter
	stillsCaptured metric.Int64Counter
}

func newSessionMetrics() sessionMetrics {
	meter := otel.Meter("github.com/wachiwi/scopecam/pkg/camera")
	ingested, _ := meter.Int64Counter("scopecam.frames.ingested",
		metric.WithDescription("Streaming frames decoded into the cache"))
	dropped, _ := meter.Int64Counter("scopecam.frames.dropped",
		metric.WithDescription("Streaming frames dropped due to codec failures"))
	stills, _ := meter.Int64Counter("scopecam.stills.captured",
		metric.WithDescription("Completed still captures"))
	return sessionMetrics{framesIngested: ingested, framesDropped: dropped, stillsCaptured: stills}
}

func (m sessionMetrics) addIngested() {
	if m.framesIngested != nil {
		m.framesIngested.Add(context.Background(), 1)
	}
}

func (m sessionMetrics) addDropped() {
	if m.framesDropped != nil {
		m.framesDropped.Add(context.Background(), 1)
	}
}

func (m sessionMetrics) addStill() {
	if m.stillsCaptured != nil {
		m.stillsCaptured.Add(context.Background(), 1)
	}
}
