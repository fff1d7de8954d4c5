package session

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/telemetry"
)

const shardCount = 32

type RegistryOptions struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Registry maps session ids to their live connection. Operations on one id
// are linearizable; distinct ids land on independent shards.
type Registry struct {
	shards     [shardCount]registryShard
	generation atomic.Uint64
	size       atomic.Int64
	logger     *zap.Logger
	now        func() time.Time

	listenerMu sync.RWMutex
	listeners  []domain.SessionListener
}

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]domain.SessionConn
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		logger: logger.Named("session"),
		now:    now,
	}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]domain.SessionConn)
	}
	return r
}

func (r *Registry) shard(sessionID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register binds sessionID to handle, replacing any previous connection.
// The previous handle is not closed; its owner is told through the listener.
func (r *Registry) Register(sessionID, origin string, handle domain.SessionHandle) (domain.SessionConn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return domain.SessionConn{}, domain.E(domain.CodeInvalidArgument, "session.register", "session id is required", domain.ErrInvalidRequest)
	}
	if handle == nil {
		return domain.SessionConn{}, domain.E(domain.CodeInvalidArgument, "session.register", "session handle is required", domain.ErrInvalidRequest)
	}
	conn := domain.SessionConn{
		ID:          sessionID,
		Generation:  r.generation.Add(1),
		Origin:      origin,
		ConnectedAt: r.now(),
		Handle:      handle,
	}

	s := r.shard(sessionID)
	s.mu.Lock()
	previous, replaced := s.conns[sessionID]
	s.conns[sessionID] = conn
	s.mu.Unlock()

	event := domain.SessionEvent{Kind: domain.SessionRegistered, Current: conn}
	if replaced {
		event.Kind = domain.SessionReplaced
		event.Previous = previous
		r.logger.Info("session replaced",
			telemetry.EventField(telemetry.EventSessionReplaced),
			telemetry.SessionIDField(sessionID),
			telemetry.GenerationField(conn.Generation),
			zap.Uint64("previousGeneration", previous.Generation),
		)
	} else {
		r.size.Add(1)
		r.logger.Info("session registered",
			telemetry.EventField(telemetry.EventSessionRegistered),
			telemetry.SessionIDField(sessionID),
			telemetry.GenerationField(conn.Generation),
			telemetry.OriginField(origin),
		)
	}
	r.notify(event)
	return conn, nil
}

// Unregister removes the session regardless of generation. Absent ids are a
// no-op.
func (r *Registry) Unregister(sessionID string) {
	s := r.shard(sessionID)
	s.mu.Lock()
	previous, ok := s.conns[sessionID]
	if ok {
		delete(s.conns, sessionID)
	}
	s.mu.Unlock()
	if ok {
		r.removed(previous)
	}
}

// UnregisterGeneration removes the session only while generation is still
// current, so a late disconnect cannot evict its replacement.
func (r *Registry) UnregisterGeneration(sessionID string, generation uint64) bool {
	s := r.shard(sessionID)
	s.mu.Lock()
	previous, ok := s.conns[sessionID]
	if ok && previous.Generation == generation {
		delete(s.conns, sessionID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		r.removed(previous)
	}
	return ok
}

func (r *Registry) removed(previous domain.SessionConn) {
	r.size.Add(-1)
	r.logger.Info("session unregistered",
		telemetry.EventField(telemetry.EventSessionUnregistered),
		telemetry.SessionIDField(previous.ID),
		telemetry.GenerationField(previous.Generation),
	)
	r.notify(domain.SessionEvent{Kind: domain.SessionUnregistered, Previous: previous})
}

func (r *Registry) Lookup(sessionID string) (domain.SessionConn, error) {
	s := r.shard(sessionID)
	s.mu.RLock()
	conn, ok := s.conns[sessionID]
	s.mu.RUnlock()
	if !ok {
		return domain.SessionConn{}, domain.E(domain.CodeNotFound, "session.lookup", "session "+sessionID+" not found", domain.ErrSessionNotFound)
	}
	return conn, nil
}

// Current reports whether generation is the live connection of sessionID.
func (r *Registry) Current(sessionID string, generation uint64) bool {
	s := r.shard(sessionID)
	s.mu.RLock()
	conn, ok := s.conns[sessionID]
	s.mu.RUnlock()
	return ok && conn.Generation == generation
}

func (r *Registry) Len() int {
	return int(r.size.Load())
}

// Snapshot lists live connections ordered by session id.
func (r *Registry) Snapshot() []domain.SessionConn {
	out := make([]domain.SessionConn, 0, r.Len())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, conn := range s.conns {
			out = append(out, conn)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddListener subscribes to registry changes. Listeners run synchronously
// after the change is applied and must not call back into Register.
func (r *Registry) AddListener(listener domain.SessionListener) {
	if listener == nil {
		return
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, listener)
	r.listenerMu.Unlock()
}

func (r *Registry) notify(event domain.SessionEvent) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, listener := range listeners {
		listener.OnSessionEvent(event)
	}
}

var _ domain.SessionLookup = (*Registry)(nil)
