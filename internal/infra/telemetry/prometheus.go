package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"webinteract/internal/domain"
)

type PrometheusMetrics struct {
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	pendingCalls   prometheus.Gauge
	activeSessions prometheus.Gauge
	catalogLookups *prometheus.CounterVec
	catalogFetch   *prometheus.HistogramVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webinteract_calls_total",
				Help: "Total number of browser tool calls by outcome",
			},
			[]string{"outcome"},
		),
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webinteract_call_duration_seconds",
				Help:    "Duration of browser tool calls in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"outcome"},
		),
		pendingCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webinteract_pending_calls",
				Help: "Current number of calls awaiting a browser response",
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webinteract_active_sessions",
				Help: "Current number of connected browser sessions",
			},
		),
		catalogLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webinteract_catalog_requests_total",
				Help: "Total number of catalog requests by cache result",
			},
			[]string{"result"},
		),
		catalogFetch: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webinteract_catalog_fetch_duration_seconds",
				Help:    "Duration of catalog fetches from remote origins in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}
}

func (p *PrometheusMetrics) ObserveCall(outcome domain.CallMetricOutcome, duration time.Duration) {
	p.calls.WithLabelValues(string(outcome)).Inc()
	p.callDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetPendingCalls(count int) {
	p.pendingCalls.Set(float64(count))
}

func (p *PrometheusMetrics) SetActiveSessions(count int) {
	p.activeSessions.Set(float64(count))
}

func (p *PrometheusMetrics) ObserveCatalogRequest(result domain.CatalogLookupResult) {
	p.catalogLookups.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusMetrics) ObserveCatalogFetch(duration time.Duration, err error) {
	p.catalogFetch.WithLabelValues(fetchOutcome(err)).Observe(duration.Seconds())
}

func fetchOutcome(err error) string {
	if err == nil {
		return "success"
	}
	code, ok := domain.CodeFrom(err)
	if !ok {
		return "error"
	}
	switch code {
	case domain.CodeDeadlineExceeded:
		return "timeout"
	case domain.CodeInvalidArgument:
		return "invalid"
	default:
		return "error"
	}
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
