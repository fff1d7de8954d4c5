package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"webinteract/internal/domain"
	"webinteract/internal/infra/catalog"
	"webinteract/internal/infra/correlator"
	"webinteract/internal/infra/session"
)

// echoBrowser answers every invoke frame with the arguments it received,
// unless silent is set.
type echoBrowser struct {
	mu         sync.Mutex
	frames     []domain.InvokeFrame
	silent     bool
	correlator *correlator.Correlator
	sessionID  string
	generation uint64
}

func (b *echoBrowser) Send(_ context.Context, msg any) error {
	frame := msg.(domain.InvokeFrame)
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	silent := b.silent
	b.mu.Unlock()
	if silent {
		return nil
	}
	go b.correlator.Dispatch(b.sessionID, b.generation, domain.ResultFrame{
		Type:      domain.FrameToolResult,
		RequestID: frame.RequestID,
		Success:   true,
		Result:    frame.Arguments,
	})
	return nil
}

func (b *echoBrowser) sent() []domain.InvokeFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InvokeFrame(nil), b.frames...)
}

type fixture struct {
	origin     *httptest.Server
	hits       atomic.Int32
	catalog    atomic.Value
	registry   *session.Registry
	correlator *correlator.Correlator
	bridge     *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.catalog.Store(`[{"name":"clickButton","inputSchema":{"type":"object","properties":{"selector":{"type":"string"}}}}]`)
	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		body := f.catalog.Load().(string)
		if body == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.origin.Close)

	logger := zaptest.NewLogger(t)
	f.registry = session.NewRegistry(session.RegistryOptions{Logger: logger})
	c, err := correlator.New(correlator.Options{Sessions: f.registry, Logger: logger})
	require.NoError(t, err)
	f.registry.AddListener(c)
	f.correlator = c

	fetcher := catalog.NewFetcher(catalog.FetcherOptions{
		Settings: catalog.Settings{CacheEnabled: true, TTL: time.Minute},
		Logger:   logger,
	})
	b, err := New(Options{
		Catalog:     fetcher,
		Invoker:     c,
		Sessions:    f.registry,
		CallTimeout: 5 * time.Second,
		Logger:      logger,
	})
	require.NoError(t, err)
	f.bridge = b
	return f
}

func (f *fixture) connect(t *testing.T, sessionID string) *echoBrowser {
	t.Helper()
	browser := &echoBrowser{correlator: f.correlator, sessionID: sessionID}
	conn, err := f.registry.Register(sessionID, f.origin.URL, browser)
	require.NoError(t, err)
	browser.mu.Lock()
	browser.generation = conn.Generation
	browser.mu.Unlock()
	return browser
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Catalog: catalog.NewFetcher(catalog.FetcherOptions{})})
	require.Error(t, err)
}

func TestBridge_EndToEndSuccess(t *testing.T) {
	f := newFixture(t)
	browser := f.connect(t, "abc")

	bindings, err := f.bridge.ListTools(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, "clickButton", bindings[0].Name())

	result, err := f.bridge.InvokeTool(context.Background(), "abc", "clickButton", map[string]string{"selector": "#submit"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"selector":"#submit"}`, string(result.Payload))

	sent := browser.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "clickButton", sent[0].ToolName)
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestBridge_UnregisteredSessionFailsFast(t *testing.T) {
	f := newFixture(t)
	other := f.connect(t, "abc")

	start := time.Now()
	_, err := f.bridge.InvokeTool(context.Background(), "zzz", "clickButton", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
	assert.Empty(t, other.sent())
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestBridge_Timeout(t *testing.T) {
	f := newFixture(t)
	browser := f.connect(t, "abc")
	browser.silent = true
	f.bridge.SetCallTimeout(time.Second)

	start := time.Now()
	result, err := f.bridge.InvokeTool(context.Background(), "abc", "clickButton", map[string]string{"selector": "#submit"})
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(result.Text, LabelTimeout+": "), result.Text)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, f.correlator.Pending())

	browser.mu.Lock()
	browser.silent = false
	browser.mu.Unlock()
	result, err = f.bridge.InvokeTool(context.Background(), "abc", "clickButton", map[string]string{"selector": "#next"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestBridge_UnknownTool(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "abc")

	_, err := f.bridge.InvokeTool(context.Background(), "abc", "typeText", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownTool))
	code, _ := domain.CodeFrom(err)
	assert.Equal(t, domain.CodeNotFound, code)
}

func TestBridge_CatalogErrorsSurface(t *testing.T) {
	f := newFixture(t)
	f.catalog.Store("")
	f.connect(t, "abc")

	_, err := f.bridge.ListTools(context.Background(), "abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidCatalog))
}

func TestBridge_RefreshToolsRefetches(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "abc")

	_, err := f.bridge.ListTools(context.Background(), "abc")
	require.NoError(t, err)
	f.catalog.Store(`[{"name":"clickButton"},{"name":"typeText"}]`)

	bindings, err := f.bridge.ListTools(context.Background(), "abc")
	require.NoError(t, err)
	assert.Len(t, bindings, 1)

	bindings, err = f.bridge.RefreshTools(context.Background(), "abc")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestBridge_SessionsShareOriginCatalog(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "s1")
	f.connect(t, "s2")

	r1, err := f.bridge.InvokeTool(context.Background(), "s1", "clickButton", json.RawMessage(`{"selector":"#a"}`))
	require.NoError(t, err)
	r2, err := f.bridge.InvokeTool(context.Background(), "s2", "clickButton", json.RawMessage(`{"selector":"#b"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"selector":"#a"}`, string(r1.Payload))
	assert.JSONEq(t, `{"selector":"#b"}`, string(r2.Payload))
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestSessionOriginResolver(t *testing.T) {
	registry := session.NewRegistry(session.RegistryOptions{})
	_, err := registry.Register("with-origin", "https://a.test", &echoBrowser{})
	require.NoError(t, err)
	_, err = registry.Register("no-origin", "", &echoBrowser{})
	require.NoError(t, err)

	resolver := SessionOriginResolver{Sessions: registry}
	origin, err := resolver.ResolveOrigin(context.Background(), "with-origin")
	require.NoError(t, err)
	assert.Equal(t, "https://a.test", origin)

	_, err = resolver.ResolveOrigin(context.Background(), "no-origin")
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = resolver.ResolveOrigin(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	resolver.DefaultOrigin = "https://fallback.test"
	origin, err = resolver.ResolveOrigin(context.Background(), "no-origin")
	require.NoError(t, err)
	assert.Equal(t, "https://fallback.test", origin)
	origin, err = resolver.ResolveOrigin(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "https://fallback.test", origin)
}
