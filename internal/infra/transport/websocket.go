package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"webinteract/internal/domain"
	"webinteract/internal/infra/session"
	"webinteract/internal/infra/telemetry"
)

// SessionRegistry binds connections to session ids.
type SessionRegistry interface {
	Register(sessionID, origin string, handle domain.SessionHandle) (domain.SessionConn, error)
	UnregisterGeneration(sessionID string, generation uint64) bool
}

// ResultDispatcher delivers inbound results to waiting calls.
type ResultDispatcher interface {
	Dispatch(sessionID string, generation uint64, frame domain.ResultFrame) bool
	FailSession(sessionID string, generation uint64) int
}

// ToolsChangedFunc is called when a client reports that its catalog changed.
type ToolsChangedFunc func(ctx context.Context, sessionID string) error

type WebSocketOptions struct {
	Sessions        SessionRegistry
	Results         ResultDispatcher
	OnToolsChanged  ToolsChangedFunc
	AllowedOrigins  []string
	SendQueueSize   int
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	FramesPerSecond float64
	FrameBurst      int
	Logger          *zap.Logger
}

// WebSocketHandler upgrades browser connections and runs one session per
// connection until it closes.
type WebSocketHandler struct {
	sessions       SessionRegistry
	results        ResultDispatcher
	onToolsChanged ToolsChangedFunc
	upgrader       websocket.Upgrader
	origins        atomic.Pointer[originPolicy]
	queueSize      int
	writeTimeout   time.Duration
	pongWait       time.Duration
	maxMessage     int64
	frameLimit     rate.Limit
	frameBurst     int
	logger         *zap.Logger

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func NewWebSocketHandler(opts WebSocketOptions) (*WebSocketHandler, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if opts.Results == nil {
		return nil, errors.New("result dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WebSocketHandler{
		sessions:       opts.Sessions,
		results:        opts.Results,
		onToolsChanged: opts.OnToolsChanged,
		queueSize:      opts.SendQueueSize,
		writeTimeout:   opts.WriteTimeout,
		pongWait:       opts.PongWait,
		maxMessage:     opts.MaxMessageBytes,
		frameLimit:     rate.Limit(opts.FramesPerSecond),
		frameBurst:     opts.FrameBurst,
		logger:         logger.Named("websocket"),
		conns:          make(map[*wsConn]struct{}),
	}
	if h.queueSize <= 0 {
		h.queueSize = domain.DefaultSessionSendQueueSize
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = time.Duration(domain.DefaultSessionWriteTimeoutSeconds) * time.Second
	}
	if h.pongWait <= 0 {
		h.pongWait = time.Duration(domain.DefaultSessionPongWaitSeconds) * time.Second
	}
	if h.maxMessage <= 0 {
		h.maxMessage = domain.DefaultSessionMaxMessageBytes
	}
	if h.frameLimit <= 0 {
		h.frameLimit = rate.Limit(domain.DefaultSessionFramesPerSecond)
	}
	if h.frameBurst <= 0 {
		h.frameBurst = domain.DefaultSessionFrameBurst
	}
	h.SetAllowedOrigins(opts.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Load().allows(r.Header.Get("Origin"))
		},
	}
	return h, nil
}

// SetAllowedOrigins replaces the browser origins allowed to connect. An empty
// list or "*" allows any origin.
func (h *WebSocketHandler) SetAllowedOrigins(origins []string) {
	h.origins.Store(newOriginPolicy(origins))
}

// Active reports the number of open connections.
func (h *WebSocketHandler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := session.IDFromRequest(r)
	if sessionID == "" {
		http.Error(w, "missing "+domain.SessionIDQueryParam+" query parameter", http.StatusBadRequest)
		return
	}
	origin := strings.TrimSpace(r.URL.Query().Get(domain.OriginQueryParam))
	if origin == "" {
		origin = strings.TrimSpace(r.Header.Get("Origin"))
	}
	if h.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Warn("websocket upgrade failed", telemetry.SessionIDField(sessionID), zap.Error(err))
		return
	}

	logger := h.logger.With(telemetry.SessionIDField(sessionID))
	conn := newWSConn(ws, h.queueSize, h.writeTimeout, h.pingPeriod(), logger)
	registered, err := h.sessions.Register(sessionID, origin, conn)
	if err != nil {
		logger.Warn("session register failed", zap.Error(err))
		conn.Close()
		return
	}
	logger = logger.With(telemetry.GenerationField(registered.Generation))

	if !h.track(conn, true) {
		// Shutdown began after the upgrade.
		conn.Close()
		h.sessions.UnregisterGeneration(registered.ID, registered.Generation)
		h.results.FailSession(registered.ID, registered.Generation)
		return
	}
	defer h.track(conn, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.writePump()
	h.readLoop(ctx, conn, registered, logger)

	conn.Close()
	if h.sessions.UnregisterGeneration(registered.ID, registered.Generation) {
		logger.Debug("session closed")
	}
	// Calls bound to this generation cannot be answered any more, whether or
	// not the registry still routed to it.
	h.results.FailSession(registered.ID, registered.Generation)
}

func (h *WebSocketHandler) pingPeriod() time.Duration {
	return h.pongWait * 9 / 10
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *wsConn, registered domain.SessionConn, logger *zap.Logger) {
	ws := conn.conn
	ws.SetReadLimit(h.maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	limiter := rate.NewLimiter(h.frameLimit, h.frameBurst)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			logger.Warn("dropping frame over rate limit")
			continue
		}
		h.handleFrame(ctx, conn, registered, data, logger)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, conn *wsConn, registered domain.SessionConn, data []byte, logger *zap.Logger) {
	var envelope domain.Frame
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	switch envelope.Type {
	case domain.FrameToolResult:
		var frame domain.ResultFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Warn("dropping malformed result frame", zap.Error(err))
			return
		}
		if frame.RequestID == "" {
			logger.Warn("dropping result frame without request id")
			return
		}
		h.results.Dispatch(registered.ID, registered.Generation, frame)
	case domain.FrameToolsChanged:
		if h.onToolsChanged == nil {
			return
		}
		go func() {
			if err := h.onToolsChanged(ctx, registered.ID); err != nil {
				logger.Warn("refresh tools failed", zap.Error(err))
			}
		}()
	case domain.FramePing:
		if err := conn.Send(ctx, domain.Frame{Type: domain.FramePong}); err != nil {
			logger.Debug("pong failed", zap.Error(err))
		}
	default:
		logger.Debug("ignoring frame", zap.String("type", envelope.Type))
	}
}

// track adds or removes conn from the live set. Adding fails once Shutdown
// has started.
func (h *WebSocketHandler) track(conn *wsConn, add bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		if h.closing {
			return false
		}
		h.conns[conn] = struct{}{}
		h.wg.Add(1)
		return true
	}
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		h.wg.Done()
	}
	return true
}

func (h *WebSocketHandler) shuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// Shutdown refuses new connections, closes every open one and waits for
// their sessions to be torn down, or for ctx to end.
func (h *WebSocketHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*wsConn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSessionEvent closes a connection once another connection has taken over
// its session id.
func (h *WebSocketHandler) OnSessionEvent(event domain.SessionEvent) {
	if event.Kind != domain.SessionReplaced {
		return
	}
	if conn, ok := event.Previous.Handle.(*wsConn); ok {
		h.logger.Info("closing superseded connection",
			telemetry.SessionIDField(event.Previous.ID),
			telemetry.GenerationField(event.Previous.Generation),
		)
		go conn.Close()
	}
}

var _ domain.SessionListener = (*WebSocketHandler)(nil)

type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		origin = normalizeOrigin(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			p.any = true
			continue
		}
		p.allowed[origin] = struct{}{}
	}
	if len(p.allowed) == 0 {
		p.any = true
	}
	return p
}

// allows reports whether a handshake carrying the given Origin header may
// connect. Requests without an Origin header come from non-browser clients.
func (p *originPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	origin = normalizeOrigin(origin)
	if origin == "" {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
