package txncoord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type txncoordMetrics struct {
	commitDuration metric.Int64Histogram
	commitAttempts metric.Int64Counter
	reaperActions  metric.Int64Counter
	active         metric.Int64ObservableGauge
}

func newTxncoordMetrics(logger pslog.Logger, activeCount func() int) *txncoordMetrics {
	meter := otel.Meter("pkt.systems/txd/txncoord")
	m := &txncoordMetrics{}
	var err error

	m.commitDuration, err = meter.Int64Histogram(
		"txd.coordinator.commit.duration_ms",
		metric.WithDescription("Time spent committing a transaction across its participants"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "txd.coordinator.commit.duration_ms", err)

	m.commitAttempts, err = meter.Int64Counter(
		"txd.coordinator.commit.attempts",
		metric.WithDescription("Second-phase commit attempts per participant"),
	)
	logMetricInitError(logger, "txd.coordinator.commit.attempts", err)

	m.reaperActions, err = meter.Int64Counter(
		"txd.coordinator.reaper.actions",
		metric.WithDescription("Transactions finished, rolled back or abandoned by the reaper"),
	)
	logMetricInitError(logger, "txd.coordinator.reaper.actions", err)

	if activeCount != nil {
		m.active, err = meter.Int64ObservableGauge(
			"txd.coordinator.active",
			metric.WithDescription("Transactions in the active set"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(activeCount()))
				return nil
			}),
		)
		logMetricInitError(logger, "txd.coordinator.active", err)
	}
	return m
}

func (m *txncoordMetrics) recordCommit(ctx context.Context, mode, result string, duration time.Duration) {
	if m == nil || m.commitDuration == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("txd.commit_mode", mode),
		attribute.String("txd.result", result),
	}
	m.commitDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attrs...))
}

func (m *txncoordMetrics) recordCommitAttempt(ctx context.Context, participant string) {
	if m == nil || m.commitAttempts == nil {
		return
	}
	m.commitAttempts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("txd.participant", participant)))
}

func (m *txncoordMetrics) recordReaper(ctx context.Context, action, result string) {
	if m == nil || m.reaperActions == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("txd.action", action),
		attribute.String("txd.result", result),
	}
	m.reaperActions.Add(metricContext(ctx), 1, metric.WithAttributes(attrs...))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
