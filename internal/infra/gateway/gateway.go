package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/bridge"
	"webinteract/internal/infra/session"
	"webinteract/internal/infra/telemetry"
)

// ToolSource lists the bindings of a browser session.
type ToolSource interface {
	ListTools(ctx context.Context, sessionID string) ([]*bridge.Binding, error)
	RefreshTools(ctx context.Context, sessionID string) ([]*bridge.Binding, error)
}

type Options struct {
	Tools ToolSource
	// Sessions gates server creation on a connected browser session. Without
	// it a server is created for any id.
	Sessions     domain.SessionLookup
	Name         string
	Version      string
	JSONResponse bool
	Logger       *zap.Logger
}

// Gateway exposes each browser session's tools as an MCP server over
// streamable HTTP. Agents select the session with the session header or
// query parameter.
type Gateway struct {
	tools        ToolSource
	sessions     domain.SessionLookup
	impl         *mcp.Implementation
	jsonResponse bool
	logger       *zap.Logger

	mu      sync.Mutex
	servers map[string]*sessionServer
}

type sessionServer struct {
	server *mcp.Server
	tools  *toolRegistry
}

func New(opts Options) (*Gateway, error) {
	if opts.Tools == nil {
		return nil, errors.New("tool source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := opts.Name
	if name == "" {
		name = "webinteract"
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Gateway{
		tools:        opts.Tools,
		sessions:     opts.Sessions,
		impl:         &mcp.Implementation{Name: name, Version: version},
		jsonResponse: opts.JSONResponse,
		logger:       logger.Named("gateway"),
		servers:      make(map[string]*sessionServer),
	}, nil
}

// Handler serves the MCP streamable HTTP protocol. Requests without a browser
// session id are rejected with 400, requests for a browser session that is
// not connected with 404.
func (g *Gateway) Handler() http.Handler {
	streamable := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		id := session.IDFromRequest(r)
		if id == "" {
			return nil
		}
		return g.Server(id)
	}, &mcp.StreamableHTTPOptions{JSONResponse: g.jsonResponse})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := session.IDFromRequest(r)
		if id == "" {
			http.Error(w, "missing browser session id: set the "+domain.SessionIDHeader+" header or the "+domain.SessionIDQueryParam+" query parameter", http.StatusBadRequest)
			return
		}
		if !g.connected(id) {
			http.Error(w, "browser session "+id+" is not connected", http.StatusNotFound)
			return
		}
		streamable.ServeHTTP(w, r)
	})
}

func (g *Gateway) connected(sessionID string) bool {
	if g.sessions == nil {
		return true
	}
	_, err := g.sessions.Lookup(sessionID)
	return err == nil
}

// Server returns the MCP server bound to sessionID, creating it on first use.
// It returns nil when a session lookup is configured and the browser session
// is not connected.
func (g *Gateway) Server(sessionID string) *mcp.Server {
	s := g.sessionServer(sessionID)
	if s == nil {
		return nil
	}
	return s.server
}

func (g *Gateway) sessionServer(sessionID string) *sessionServer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.servers[sessionID]; ok {
		return s
	}
	// Checked under mu: an unregister that lands after this point is
	// delivered to OnSessionEvent, which waits for mu and drops the server.
	if !g.connected(sessionID) {
		return nil
	}
	server := mcp.NewServer(g.impl, &mcp.ServerOptions{HasTools: true})
	s := &sessionServer{
		server: server,
		tools:  newToolRegistry(server, sessionID, g.logger.With(telemetry.SessionIDField(sessionID))),
	}
	server.AddReceivingMiddleware(g.syncMiddleware(sessionID, s.tools))
	g.servers[sessionID] = s
	return s
}

func (g *Gateway) existing(sessionID string) (*sessionServer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.servers[sessionID]
	return s, ok
}

// syncMiddleware resolves the session's catalog before tools/list, and before
// tools/call of a tool the server has not registered yet.
func (g *Gateway) syncMiddleware(sessionID string, tools *toolRegistry) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			switch method {
			case "tools/list":
				if err := g.sync(ctx, sessionID, tools, false); err != nil {
					return nil, err
				}
			case "tools/call":
				if call, ok := req.(*mcp.CallToolRequest); ok && call.Params != nil && !tools.has(call.Params.Name) {
					if err := g.sync(ctx, sessionID, tools, false); err != nil {
						return nil, err
					}
				}
			}
			return next(ctx, method, req)
		}
	}
}

func (g *Gateway) sync(ctx context.Context, sessionID string, tools *toolRegistry, force bool) error {
	list := g.tools.ListTools
	if force {
		list = g.tools.RefreshTools
	}
	bindings, err := list(ctx, sessionID)
	if err != nil {
		g.logger.Warn("resolve session tools failed", telemetry.SessionIDField(sessionID), zap.Error(err))
		return err
	}
	tools.Apply(bindings)
	return nil
}

// Refresh refetches the session's catalog and pushes the change to connected
// agents. Sessions no agent has connected to are skipped.
func (g *Gateway) Refresh(ctx context.Context, sessionID string) error {
	s, ok := g.existing(sessionID)
	if !ok {
		_, err := g.tools.RefreshTools(ctx, sessionID)
		return err
	}
	return g.sync(ctx, sessionID, s.tools, true)
}

// OnSessionEvent drops the server of a disconnected browser session. Agents
// still attached to it see its tools removed.
func (g *Gateway) OnSessionEvent(event domain.SessionEvent) {
	if event.Kind != domain.SessionUnregistered {
		return
	}
	g.mu.Lock()
	s, ok := g.servers[event.Previous.ID]
	if ok {
		delete(g.servers, event.Previous.ID)
	}
	g.mu.Unlock()
	if ok {
		s.tools.Apply(nil)
	}
}

// Sessions reports the number of browser sessions with an MCP server.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.servers)
}

var _ domain.SessionListener = (*Gateway)(nil)
var _ ToolSource = (*bridge.Bridge)(nil)
