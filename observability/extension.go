package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/sqlbatch/ext"
	"github.com/xraph/sqlbatch/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobSubmitted = (*MetricsExtension)(nil)
	_ ext.JobStarted   = (*MetricsExtension)(nil)
	_ ext.JobDone      = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
	_ ext.JobLost      = (*MetricsExtension)(nil)
	_ ext.JobRequeued  = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/sqlbatch/observability"

// MetricsExtension records system-wide lifecycle metrics. Every counter
// carries a host attribute so a single slow database shows up on its own.
type MetricsExtension struct {
	JobSubmitted metric.Int64Counter
	JobStarted   metric.Int64Counter
	JobDone      metric.Int64Counter
	JobFailed    metric.Int64Counter
	JobCancelled metric.Int64Counter
	JobLost      metric.Int64Counter
	JobRequeued  metric.Int64Counter
	JobDuration  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Instrument creation errors fall back to noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	duration, _ := meter.Float64Histogram("sqlbatch.job.duration",
		metric.WithDescription("Wall time from start to done in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		JobSubmitted: counter("sqlbatch.job.submitted", "Jobs accepted and enqueued"),
		JobStarted:   counter("sqlbatch.job.started", "Jobs moved to running"),
		JobDone:      counter("sqlbatch.job.done", "Jobs whose queries all succeeded"),
		JobFailed:    counter("sqlbatch.job.failed", "Jobs that ended failed"),
		JobCancelled: counter("sqlbatch.job.cancelled", "Jobs that ended cancelled"),
		JobLost:      counter("sqlbatch.job.lost", "Jobs that ended unknown"),
		JobRequeued:  counter("sqlbatch.job.requeued", "Jobs handed back by a draining worker"),
		JobDuration:  duration,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func hostAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("host", j.Host))
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.JobSubmitted.Add(ctx, 1, hostAttr(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.JobStarted.Add(ctx, 1, hostAttr(j))
	return nil
}

// OnJobDone implements ext.JobDone.
func (m *MetricsExtension) OnJobDone(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.JobDone.Add(ctx, 1, hostAttr(j))
	m.JobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("host", j.Host)))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, hostAttr(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.JobCancelled.Add(ctx, 1, hostAttr(j))
	return nil
}

// OnJobLost implements ext.JobLost.
func (m *MetricsExtension) OnJobLost(ctx context.Context, j *job.Job, _ error) error {
	m.JobLost.Add(ctx, 1, hostAttr(j))
	return nil
}

// OnJobRequeued implements ext.JobRequeued.
func (m *MetricsExtension) OnJobRequeued(ctx context.Context, j *job.Job) error {
	m.JobRequeued.Add(ctx, 1, hostAttr(j))
	return nil
}
