package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// External API metrics
	ExternalAPICalls    *prometheus.CounterVec
	ExternalAPIDuration *prometheus.HistogramVec
	ExternalAPIFailures *prometheus.CounterVec

	// Cache and credential metrics
	CacheLookups    *prometheus.CounterVec
	TokenIssuances  *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec

	// Attribution metrics
	AttributionsTotal     *prometheus.CounterVec
	AttributionConfidence prometheus.Histogram
	AttributionDuration   prometheus.Histogram
	CircuitBreakerState   *prometheus.GaugeVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ExternalAPICalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_api_calls_total",
				Help: "Total number of external API calls",
			},
			[]string{"api", "status"},
		),

		ExternalAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "external_api_duration_seconds",
				Help:    "External API call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"api"},
		),

		ExternalAPIFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "external_api_failures_total",
				Help: "Total number of external API failures",
			},
			[]string{"api", "error_type"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "report_cache_lookups_total",
				Help: "Report cache lookups by result",
			},
			[]string{"result"},
		),

		TokenIssuances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_issuances_total",
				Help: "Client-credentials token exchanges by status",
			},
			[]string{"status"},
		),

		RecordsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_records_rejected_total",
				Help: "Campaign records excluded from attribution",
			},
			[]string{"reason"},
		),

		AttributionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attributions_total",
				Help: "Attribution resolutions by outcome",
			},
			[]string{"outcome"},
		),

		AttributionConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attribution_confidence",
				Help:    "Total confidence of the best candidate per resolution",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		AttributionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "attribution_duration_seconds",
				Help:    "End-to-end attribution resolution duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}
}

// HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// External API call metrics
func (m *Metrics) RecordExternalAPICall(api, status string, duration time.Duration) {
	m.ExternalAPICalls.WithLabelValues(api, status).Inc()
	m.ExternalAPIDuration.WithLabelValues(api).Observe(duration.Seconds())
}

// External API failure metrics
func (m *Metrics) RecordExternalAPIFailure(api, errorType string) {
	m.ExternalAPIFailures.WithLabelValues(api, errorType).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTokenIssuance(status string) {
	m.TokenIssuances.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRecordRejected(reason string) {
	m.RecordsRejected.WithLabelValues(reason).Inc()
}

// Attribution outcome; confidence is observed only when a candidate was scored.
func (m *Metrics) RecordAttribution(outcome string, confidence *float64, duration time.Duration) {
	m.AttributionsTotal.WithLabelValues(outcome).Inc()
	if confidence != nil {
		m.AttributionConfidence.Observe(*confidence)
	}
	m.AttributionDuration.Observe(duration.Seconds())
}

func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// HTTP requests in flight counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// HTTP requests in flight counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
