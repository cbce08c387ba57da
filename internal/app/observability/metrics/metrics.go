package metrics

import (
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds the application's metric instruments.
type AppMetrics struct {
	HTTPRequestsTotal         metric.Int64Counter
	HTTPRequestDuration       metric.Float64Histogram
	VisitsRecordedTotal       metric.Int64Counter
	CrossingsUpsertedTotal    metric.Int64Counter
	RelationshipsActivated    metric.Int64Counter
	CorrelationPairFailures   metric.Int64Counter
	CorrelationFanoutDuration metric.Float64Histogram
}

var (
	appMetrics *AppMetrics
	once       sync.Once
)

// InitAppMetrics initializes the global metrics instruments ONLY ONCE.
// It gets the Meter from the globally configured MeterProvider.
func InitAppMetrics() {
	once.Do(func() {
		meter := otel.GetMeterProvider().Meter("mesa-server")
		var err error
		m := &AppMetrics{}

		m.HTTPRequestsTotal, err = meter.Int64Counter(
			"http_requests_total",
			metric.WithDescription("Total number of HTTP requests completed"),
			metric.WithUnit("{request}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create http_requests_total: %v", err)
		}

		m.HTTPRequestDuration, err = meter.Float64Histogram(
			"http_request_duration_seconds",
			metric.WithDescription("Duration of HTTP requests in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create http_request_duration_seconds: %v", err)
		}

		m.VisitsRecordedTotal, err = meter.Int64Counter(
			"visits_recorded_total",
			metric.WithDescription("Total number of confirmed visits written"),
			metric.WithUnit("{visit}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create visits_recorded_total: %v", err)
		}

		m.CrossingsUpsertedTotal, err = meter.Int64Counter(
			"crossings_upserted_total",
			metric.WithDescription("Total number of crossed-paths log upserts committed"),
			metric.WithUnit("{crossing}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create crossings_upserted_total: %v", err)
		}

		m.RelationshipsActivated, err = meter.Int64Counter(
			"relationships_activated_total",
			metric.WithDescription("Total number of crossed-paths relationships created"),
			metric.WithUnit("{relationship}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create relationships_activated_total: %v", err)
		}

		m.CorrelationPairFailures, err = meter.Int64Counter(
			"correlation_pair_failures_total",
			metric.WithDescription("Total number of co-visitor pairs that failed during correlation"),
			metric.WithUnit("{pair}"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create correlation_pair_failures_total: %v", err)
		}

		m.CorrelationFanoutDuration, err = meter.Float64Histogram(
			"correlation_fanout_duration_seconds",
			metric.WithDescription("Duration of one orchestrator run over all co-visitors"),
			metric.WithUnit("s"),
		)
		if err != nil {
			log.Fatalf("Metrics: Failed to create correlation_fanout_duration_seconds: %v", err)
		}

		log.Println("Application metrics instruments initialized.")
		appMetrics = m
	})
}

// Get returns the globally initialized AppMetrics instance.
// Panics if InitAppMetrics was not called first.
func Get() *AppMetrics {
	if appMetrics == nil {
		panic("metrics instruments not initialized. Call metrics.InitAppMetrics() first.")
	}
	return appMetrics
}
