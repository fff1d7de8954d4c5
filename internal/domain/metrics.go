package domain

import "time"

// CallMetricOutcome labels how a tool call ended.
type CallMetricOutcome string

const (
	CallOutcomeSuccess         CallMetricOutcome = "success"
	CallOutcomeRemoteError     CallMetricOutcome = "remote_error"
	CallOutcomeTimeout         CallMetricOutcome = "timeout"
	CallOutcomeCanceled        CallMetricOutcome = "canceled"
	CallOutcomeSessionNotFound CallMetricOutcome = "session_not_found"
	CallOutcomeSendFailed      CallMetricOutcome = "send_failed"
)

// CatalogLookupResult labels how a catalog request was satisfied.
type CatalogLookupResult string

const (
	CatalogResultHit         CatalogLookupResult = "hit"
	CatalogResultMiss        CatalogLookupResult = "miss"
	CatalogResultForced      CatalogLookupResult = "forced"
	CatalogResultStaleServed CatalogLookupResult = "stale_served"
)

// Metrics records operational metrics for the bridge.
type Metrics interface {
	ObserveCall(outcome CallMetricOutcome, duration time.Duration)
	SetPendingCalls(count int)
	SetActiveSessions(count int)
	ObserveCatalogRequest(result CatalogLookupResult)
	ObserveCatalogFetch(duration time.Duration, err error)
}
