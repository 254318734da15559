package participant

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type participantMetrics struct {
	phaseDuration metric.Int64Histogram
	recovered     metric.Int64Counter
}

func newParticipantMetrics(logger pslog.Logger) *participantMetrics {
	meter := otel.Meter("pkt.systems/txd/participant")
	m := &participantMetrics{}
	var err error

	m.phaseDuration, err = meter.Int64Histogram(
		"txd.participant.phase.duration_ms",
		metric.WithDescription("Time spent in a participant phase"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txd.participant.phase.duration_ms", err)

	m.recovered, err = meter.Int64Counter(
		"txd.participant.recovered",
		metric.WithDescription("Transactions resolved by participant recovery"),
	)
	logMetricInitError(logger, "txd.participant.recovered", err)

	return m
}

func (m *participantMetrics) recordPhase(ctx context.Context, phase, result string, d time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.Record(ctx, d.Milliseconds(), metric.WithAttributes(
		attribute.String("txd.phase", phase),
		attribute.String("txd.result", result),
	))
}

func (m *participantMetrics) recordRecovered(ctx context.Context, outcome string) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("txd.outcome", outcome)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "metric", name, "error", err)
}
