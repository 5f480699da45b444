package scheduler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// metrics holds the scheduler's OTel instruments. Without a configured MeterProvider the
// global noop provider is used.
type metrics struct {
	providerCalls   metric.Int64Counter
	resultsRecorded metric.Int64Counter
	jobsFinished    metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	providerCalls, _ := meter.Int64Counter("mediaforge.provider.calls",
		metric.WithDescription("Provider API calls by operation and outcome"),
		metric.WithUnit("{call}"))
	resultsRecorded, _ := meter.Int64Counter("mediaforge.results.recorded",
		metric.WithDescription("Result units recorded"),
		metric.WithUnit("{result}"))
	jobsFinished, _ := meter.Int64Counter("mediaforge.jobs.finished",
		metric.WithDescription("Jobs reaching a terminal status"),
		metric.WithUnit("{job}"))
	return &metrics{providerCalls: providerCalls, resultsRecorded: resultsRecorded, jobsFinished: jobsFinished}
}

// traceProviderCall wraps one provider API call in a span and counts it.
func (s *Scheduler) traceProviderCall(ctx context.Context, op string, job *models.Job, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "provider."+op,
		trace.WithAttributes(
			attribute.String("mediaforge.job.id", job.ID.String()),
			attribute.String("mediaforge.tenant.id", job.TenantID.String()),
			attribute.String("mediaforge.provider", job.ProviderID),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	s.metrics.providerCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", job.ProviderID),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	return err
}
