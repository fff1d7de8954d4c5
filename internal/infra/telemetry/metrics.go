package telemetry

import (
	"time"

	"webinteract/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveCall(_ domain.CallMetricOutcome, _ time.Duration) {}

func (n *NoopMetrics) SetPendingCalls(_ int) {}

func (n *NoopMetrics) SetActiveSessions(_ int) {}

func (n *NoopMetrics) ObserveCatalogRequest(_ domain.CatalogLookupResult) {}

func (n *NoopMetrics) ObserveCatalogFetch(_ time.Duration, _ error) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
