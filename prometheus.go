package httptap

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// summaryObjectives holds the quantiles tracked by the summary metrics, with
// their allowed absolute errors.
var summaryObjectives = map[float64]float64{
	0.01: 0.001,
	0.05: 0.005,
	0.5:  0.05,
	0.9:  0.01,
	0.95: 0.005,
	0.99: 0.001,
}

// PrometheusSink is a MetricsSink backed by Prometheus collectors. All methods
// are safe for concurrent use.
type PrometheusSink struct {
	inFlight     prometheus.Gauge
	total        *prometheus.CounterVec
	duration     *prometheus.SummaryVec
	requestSize  *prometheus.SummaryVec
	responseSize *prometheus.SummaryVec
}

// NewPrometheusSink creates the sink's collectors and registers them with reg.
// A nil reg falls back to the default Prometheus registerer. Registration
// failures, e.g. a duplicate metric name or a label schema mismatch, are
// returned and should be treated as fatal at startup.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	labels := []string{"method", "status"}
	s := &PrometheusSink{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of requests observed but not yet matched to a response.",
		}),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of completed request/response pairs.",
		}, labels),
		duration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "http_request_duration_microseconds",
			Help:       "Elapsed time from request observed to response observed, in microseconds.",
			Objectives: summaryObjectives,
		}, labels),
		requestSize: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "http_request_size_bytes",
			Help:       "Estimated request size, header overhead plus body, in bytes.",
			Objectives: summaryObjectives,
		}, labels),
		responseSize: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "http_response_size_bytes",
			Help:       "Estimated response size, header overhead plus body, in bytes.",
			Objectives: summaryObjectives,
		}, labels),
	}

	collectors := []prometheus.Collector{
		s.inFlight, s.total, s.duration, s.requestSize, s.responseSize,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return s, nil
}

// IncInFlight increments the in-flight requests gauge.
func (s *PrometheusSink) IncInFlight() {
	s.inFlight.Inc()
}

// DecInFlight decrements the in-flight requests gauge.
func (s *PrometheusSink) DecInFlight() {
	s.inFlight.Dec()
}

// IncTotal counts one completed request/response pair.
func (s *PrometheusSink) IncTotal(method, status string) {
	s.total.WithLabelValues(method, status).Inc()
}

// ObserveDuration records a request/response round trip duration in microseconds.
func (s *PrometheusSink) ObserveDuration(method, status string, micros float64) {
	s.duration.WithLabelValues(method, status).Observe(micros)
}

// ObserveRequestSize records an estimated request size in bytes.
func (s *PrometheusSink) ObserveRequestSize(method, status string, bytes float64) {
	s.requestSize.WithLabelValues(method, status).Observe(bytes)
}

// ObserveResponseSize records an estimated response size in bytes.
func (s *PrometheusSink) ObserveResponseSize(method, status string, bytes float64) {
	s.responseSize.WithLabelValues(method, status).Observe(bytes)
}
