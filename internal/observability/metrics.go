package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/polls/webhooks take
// - Traffic: Request/job/event throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (tracked jobs, queue depths)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Traffic, Errors)
	JobsSubmitted   metric.Int64Counter
	JobsLaunched    metric.Int64Counter
	SubmitRetries   metric.Int64Counter
	JobsTerminal    metric.Int64Counter
	JobsTimedOut    metric.Int64Counter

	// Poller metrics (Latency, Traffic, Errors, Saturation)
	PollDuration metric.Float64Histogram
	PollsTotal   metric.Int64Counter
	JobsTracked  metric.Int64Gauge
	JobsQueued   metric.Int64Gauge

	// Notifier metrics (Latency, Traffic, Errors, Saturation)
	EventsPublished   metric.Int64Counter
	EventsThrottled   metric.Int64Counter
	EventsDropped     metric.Int64Counter
	WebhookDuration   metric.Float64Histogram
	WebhooksDelivered metric.Int64Counter
	WebhooksFailed    metric.Int64Counter
	NotifyQueueSize   metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("tradejobs")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted for dispatch"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsLaunched, err = meter.Int64Counter(
		"jobs_launched_total",
		metric.WithDescription("Total number of jobs accepted by the compute service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmitRetries, err = meter.Int64Counter(
		"submit_retries_total",
		metric.WithDescription("Total transient submit retries against the compute service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTerminal, err = meter.Int64Counter(
		"jobs_terminal_total",
		metric.WithDescription("Total jobs that reached a terminal status, by status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTimedOut, err = meter.Int64Counter(
		"jobs_timed_out_total",
		metric.WithDescription("Total jobs failed by the absolute timeout watchdog"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Poller metrics
	m.PollDuration, err = meter.Float64Histogram(
		"poll_duration_seconds",
		metric.WithDescription("Status poll latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total status polls against the compute service, by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTracked, err = meter.Int64Gauge(
		"jobs_tracked",
		metric.WithDescription("Jobs currently tracked by the poller (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsQueued, err = meter.Int64Gauge(
		"jobs_queued",
		metric.WithDescription("Pending jobs waiting for polling capacity (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.EventsPublished, err = meter.Int64Counter(
		"notify_events_published_total",
		metric.WithDescription("Total events accepted for delivery"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsThrottled, err = meter.Int64Counter(
		"notify_events_throttled_total",
		metric.WithDescription("Total progress events suppressed by throttling"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.EventsDropped, err = meter.Int64Counter(
		"notify_events_dropped_total",
		metric.WithDescription("Total events dropped (buffer full)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram(
		"webhook_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhooksDelivered, err = meter.Int64Counter(
		"webhooks_delivered_total",
		metric.WithDescription("Total webhooks successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WebhooksFailed, err = meter.Int64Counter(
		"webhooks_failed_total",
		metric.WithDescription("Total webhooks failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of events in the notifier queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a new job being accepted.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobLaunched records a job the compute service accepted, with the
// number of transient retries the launch needed.
func (m *Metrics) RecordJobLaunched(ctx context.Context, kind string, retries int) {
	m.JobsLaunched.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
	if retries > 0 {
		m.SubmitRetries.Add(ctx, int64(retries), metric.WithAttributes(kindAttr(kind)))
	}
}

// RecordJobTerminal records a job reaching a terminal status.
func (m *Metrics) RecordJobTerminal(ctx context.Context, kind, status string) {
	m.JobsTerminal.Add(ctx, 1, metric.WithAttributes(
		kindAttr(kind),
		outcomeAttr(status),
	))
}

// RecordPoll records one status poll and its outcome.
func (m *Metrics) RecordPoll(ctx context.Context, durationSeconds float64, outcome string) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.PollDuration.Record(ctx, durationSeconds, attrs)
	m.PollsTotal.Add(ctx, 1, attrs)
}

// RecordJobTimedOut records a job failed by the absolute timeout watchdog.
func (m *Metrics) RecordJobTimedOut(ctx context.Context) {
	m.JobsTimedOut.Add(ctx, 1)
}

// RecordCapacity records the poller's saturation gauges.
func (m *Metrics) RecordCapacity(ctx context.Context, tracked, queued int64) {
	m.JobsTracked.Record(ctx, tracked)
	m.JobsQueued.Record(ctx, queued)
}

// RecordEventPublished records an event accepted for delivery.
func (m *Metrics) RecordEventPublished(ctx context.Context, terminal bool) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(terminalAttr(terminal)))
}

// RecordEventThrottled records a progress event suppressed by throttling.
func (m *Metrics) RecordEventThrottled(ctx context.Context) {
	m.EventsThrottled.Add(ctx, 1)
}

// RecordEventDropped records a dropped event.
func (m *Metrics) RecordEventDropped(ctx context.Context) {
	m.EventsDropped.Add(ctx, 1)
}

// RecordWebhookDelivered records a successful webhook delivery with its duration.
func (m *Metrics) RecordWebhookDelivered(ctx context.Context, durationSeconds float64) {
	m.WebhooksDelivered.Add(ctx, 1)
	m.WebhookDuration.Record(ctx, durationSeconds)
}

// RecordWebhookFailed records a failed webhook delivery.
func (m *Metrics) RecordWebhookFailed(ctx context.Context) {
	m.WebhooksFailed.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current notifier queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
