package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay"

// Metrics holds all pipeline metric instruments.
type Metrics struct {
	Admissions  metric.Int64Counter
	JobsClaimed metric.Int64Counter
	JobsDone    metric.Int64Counter
	JobsFailed  metric.Int64Counter
	Retries     metric.Int64Counter
	DeadLetters metric.Int64Counter
	Webhooks    metric.Int64Counter
	JobDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Admissions, err = meter.Int64Counter("relay.admissions",
		metric.WithDescription("Admission decisions by outcome"))
	if err != nil {
		return nil, err
	}

	m.JobsClaimed, err = meter.Int64Counter("relay.jobs.claimed",
		metric.WithDescription("Jobs claimed from the queue"))
	if err != nil {
		return nil, err
	}

	m.JobsDone, err = meter.Int64Counter("relay.jobs.completed",
		metric.WithDescription("Jobs completed successfully"))
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("relay.jobs.failed",
		metric.WithDescription("Job attempts that failed"))
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("relay.jobs.retries",
		metric.WithDescription("Jobs requeued for retry"))
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter("relay.jobs.deadletters",
		metric.WithDescription("Jobs moved to the dead-letter stream"))
	if err != nil {
		return nil, err
	}

	m.Webhooks, err = meter.Int64Counter("relay.webhooks.delivered",
		metric.WithDescription("Webhook delivery attempts by outcome"))
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("relay.job.duration_seconds",
		metric.WithDescription("Job processing duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
