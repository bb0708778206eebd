package canvas

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MarcoPoloResearchLab/canvas/internal/canvas"

// metrics holds the reducer instruments. A nil *metrics records nothing.
type metrics struct {
	commits   metric.Int64Counter
	failures  metric.Int64Counter
	replays   metric.Int64Counter
	proposals metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		instruments metrics
		err         error
	)
	instruments.commits, err = meter.Int64Counter("canvas.commits.total",
		metric.WithDescription("Committed canvas mutations"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, err
	}
	instruments.failures, err = meter.Int64Counter("canvas.failures.total",
		metric.WithDescription("Rejected canvas mutations by error code"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}
	instruments.replays, err = meter.Int64Counter("canvas.replays.total",
		metric.WithDescription("Requests answered from the idempotency record"),
		metric.WithUnit("{replay}"),
	)
	if err != nil {
		return nil, err
	}
	instruments.proposals, err = meter.Int64Counter("canvas.proposed_cards.total",
		metric.WithDescription("Cards created by propose-cards"),
		metric.WithUnit("{card}"),
	)
	if err != nil {
		return nil, err
	}
	instruments.duration, err = meter.Float64Histogram("canvas.apply.duration",
		metric.WithDescription("Reducer transaction duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return nil, err
	}
	return &instruments, nil
}

func (m *metrics) recordOutcome(ctx context.Context, operation string, started time.Time, replayed bool, err error) {
	if m == nil {
		return
	}
	operationAttr := attribute.String("operation", operation)
	m.duration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(operationAttr))
	switch {
	case err != nil:
		m.failures.Add(ctx, 1, metric.WithAttributes(operationAttr, attribute.String("code", string(AsError(err).Code))))
	case replayed:
		m.replays.Add(ctx, 1, metric.WithAttributes(operationAttr))
	default:
		m.commits.Add(ctx, 1, metric.WithAttributes(operationAttr))
	}
}

func (m *metrics) recordProposals(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.proposals.Add(ctx, int64(count))
}
