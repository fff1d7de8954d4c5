package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/telemetry"
)

// CatalogSource returns the tool catalog of an origin.
type CatalogSource interface {
	GetCatalog(ctx context.Context, origin string, forceRefresh bool) ([]domain.ToolDescriptor, error)
}

// OriginResolver maps a browser session to the origin whose catalog it uses.
type OriginResolver interface {
	ResolveOrigin(ctx context.Context, sessionID string) (string, error)
}

// SessionOriginResolver uses the origin recorded when the session connected,
// falling back to DefaultOrigin.
type SessionOriginResolver struct {
	Sessions      domain.SessionLookup
	DefaultOrigin string
}

func (r SessionOriginResolver) ResolveOrigin(_ context.Context, sessionID string) (string, error) {
	var lookupErr error
	if r.Sessions != nil {
		conn, err := r.Sessions.Lookup(sessionID)
		if err == nil && strings.TrimSpace(conn.Origin) != "" {
			return conn.Origin, nil
		}
		lookupErr = err
	}
	if origin := strings.TrimSpace(r.DefaultOrigin); origin != "" {
		return origin, nil
	}
	if lookupErr != nil {
		return "", lookupErr
	}
	return "", domain.E(domain.CodeFailedPrecond, "bridge.origin", "session "+sessionID+" has no origin and no default origin is configured", domain.ErrInvalidRequest)
}

type Options struct {
	Catalog     CatalogSource
	Invoker     domain.CallInvoker
	Sessions    domain.SessionLookup
	Origins     OriginResolver
	CallTimeout time.Duration
	Logger      *zap.Logger
}

// Bridge is the agent-facing entry point: it lists a session's tools and
// invokes them.
type Bridge struct {
	catalog     CatalogSource
	invoker     domain.CallInvoker
	sessions    domain.SessionLookup
	origins     OriginResolver
	logger      *zap.Logger
	callTimeout atomic.Int64
}

func New(opts Options) (*Bridge, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog source is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("call invoker is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.Origins
	if origins == nil {
		origins = SessionOriginResolver{Sessions: opts.Sessions}
	}
	b := &Bridge{
		catalog:  opts.Catalog,
		invoker:  opts.Invoker,
		sessions: opts.Sessions,
		origins:  origins,
		logger:   logger.Named("bridge"),
	}
	b.SetCallTimeout(opts.CallTimeout)
	return b, nil
}

// SetCallTimeout changes the execution timeout of bindings created afterwards.
func (b *Bridge) SetCallTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	b.callTimeout.Store(int64(timeout))
}

func (b *Bridge) CallTimeout() time.Duration {
	return time.Duration(b.callTimeout.Load())
}

// ListTools returns one binding per catalog tool of the session's origin.
// Catalog failures are returned as errors rather than an empty list.
func (b *Bridge) ListTools(ctx context.Context, sessionID string) ([]*Binding, error) {
	return b.listTools(ctx, sessionID, false)
}

// RefreshTools is ListTools with a forced catalog refetch.
func (b *Bridge) RefreshTools(ctx context.Context, sessionID string) ([]*Binding, error) {
	return b.listTools(ctx, sessionID, true)
}

func (b *Bridge) listTools(ctx context.Context, sessionID string, force bool) ([]*Binding, error) {
	origin, err := b.origins.ResolveOrigin(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	tools, err := b.catalog.GetCatalog(ctx, origin, force)
	if err != nil {
		return nil, err
	}
	timeout := b.CallTimeout()
	logger := b.logger.With(telemetry.SessionIDField(sessionID))
	bindings := make([]*Binding, 0, len(tools))
	for _, tool := range tools {
		bindings = append(bindings, NewBinding(tool, sessionID, b.invoker, timeout).withLogger(logger))
	}
	return bindings, nil
}

// InvokeTool executes toolName for the session. An unknown session fails
// before any catalog I/O; an unknown tool fails with ErrUnknownTool. Failures
// after the call is sent are reported in the ToolResult.
func (b *Bridge) InvokeTool(ctx context.Context, sessionID, toolName string, arguments any) (domain.ToolResult, error) {
	if b.sessions != nil {
		if _, err := b.sessions.Lookup(sessionID); err != nil {
			return domain.ToolResult{}, err
		}
	}
	bindings, err := b.ListTools(ctx, sessionID)
	if err != nil {
		return domain.ToolResult{}, err
	}
	for _, binding := range bindings {
		if binding.Name() == toolName {
			return binding.Execute(ctx, arguments), nil
		}
	}
	return domain.ToolResult{}, domain.E(domain.CodeNotFound, "bridge.invoke", fmt.Sprintf("tool %q is not in the catalog of session %s", toolName, sessionID), domain.ErrUnknownTool)
}
