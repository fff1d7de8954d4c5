package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldSessionID  = "sessionID"
	FieldGeneration = "generation"
	FieldOrigin     = "origin"
	FieldTool       = "tool"
	FieldOutcome    = "outcome"
	FieldDurationMs = "duration_ms"
	FieldRequestID  = "request_id"
	FieldCallID     = "call_id"
	FieldTraceID    = "trace_id"
	FieldSpanID     = "span_id"
)

const (
	EventSessionRegistered   = "session_registered"
	EventSessionReplaced     = "session_replaced"
	EventSessionUnregistered = "session_unregistered"
	EventCallStart           = "call_start"
	EventCallResolved        = "call_resolved"
	EventCallDropped         = "call_dropped"
	EventCatalogHit          = "catalog_hit"
	EventCatalogFetch        = "catalog_fetch"
	EventCatalogStale        = "catalog_stale"
	EventConfigReload        = "config_reload"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func SessionIDField(sessionID string) zap.Field {
	return zap.String(FieldSessionID, sessionID)
}

func GenerationField(generation uint64) zap.Field {
	return zap.Uint64(FieldGeneration, generation)
}

func OriginField(origin string) zap.Field {
	return zap.String(FieldOrigin, origin)
}

func ToolField(name string) zap.Field {
	return zap.String(FieldTool, name)
}

func OutcomeField(outcome string) zap.Field {
	return zap.String(FieldOutcome, outcome)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

// CallIDField identifies a correlated browser call, distinct from the inbound
// HTTP request id.
func CallIDField(value string) zap.Field {
	return zap.String(FieldCallID, value)
}

func TraceIDField(value string) zap.Field {
	return zap.String(FieldTraceID, value)
}

func SpanIDField(value string) zap.Field {
	return zap.String(FieldSpanID, value)
}
