package domain

import (
	"context"
	"time"
)

// SessionHandle delivers messages to exactly one connected browser client.
type SessionHandle interface {
	Send(ctx context.Context, msg any) error
}

// SessionConn is the registry's view of one live client connection.
// Generation increases every time the same session id registers again, so a
// call bound to an older connection can be told apart from the current one.
type SessionConn struct {
	ID          string
	Generation  uint64
	Origin      string
	ConnectedAt time.Time
	Handle      SessionHandle
}

// SessionEventKind labels a registry change.
type SessionEventKind string

const (
	SessionRegistered   SessionEventKind = "registered"
	SessionReplaced     SessionEventKind = "replaced"
	SessionUnregistered SessionEventKind = "unregistered"
)

// SessionEvent is emitted by the registry after a change is applied.
// Previous is set for replace and unregister events.
type SessionEvent struct {
	Kind     SessionEventKind
	Current  SessionConn
	Previous SessionConn
}

// SessionListener observes registry changes. Implementations must not block.
type SessionListener interface {
	OnSessionEvent(event SessionEvent)
}

// SessionListenerFunc adapts a function to SessionListener.
type SessionListenerFunc func(event SessionEvent)

func (f SessionListenerFunc) OnSessionEvent(event SessionEvent) {
	f(event)
}

// SessionLookup resolves a session id to its current connection.
type SessionLookup interface {
	Lookup(sessionID string) (SessionConn, error)
}
