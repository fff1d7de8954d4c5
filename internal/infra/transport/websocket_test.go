package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"webinteract/internal/domain"
	"webinteract/internal/infra/correlator"
	"webinteract/internal/infra/session"
)

type wsFixture struct {
	registry   *session.Registry
	correlator *correlator.Correlator
	handler    *WebSocketHandler
	server     *httptest.Server
	changed    chan string
}

func newWSFixture(t *testing.T, allowed ...string) *wsFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &wsFixture{changed: make(chan string, 4)}
	f.registry = session.NewRegistry(session.RegistryOptions{Logger: logger})
	c, err := correlator.New(correlator.Options{Sessions: f.registry, Logger: logger})
	require.NoError(t, err)
	f.correlator = c
	f.registry.AddListener(c)

	h, err := NewWebSocketHandler(WebSocketOptions{
		Sessions: f.registry,
		Results:  c,
		OnToolsChanged: func(_ context.Context, sessionID string) error {
			f.changed <- sessionID
			return nil
		},
		AllowedOrigins: allowed,
		Logger:         zap.NewNop(),
	})
	require.NoError(t, err)
	f.registry.AddListener(h)
	f.handler = h
	f.server = httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		f.server.Close()
	})
	return f
}

func (f *wsFixture) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
	return websocket.DefaultDialer.Dial(url, header)
}

func (f *wsFixture) connect(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := f.dial(t, "sessionId="+sessionID+"&origin=https://app.test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		_, err := f.registry.Lookup(sessionID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readInvoke(t *testing.T, conn *websocket.Conn) domain.InvokeFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame domain.InvokeFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

type invokeResult struct {
	result domain.CallResult
	err    error
}

func (f *wsFixture) invokeAsync(sessionID string) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		result, err := f.correlator.Invoke(context.Background(), sessionID, "clickButton", json.RawMessage(`{"selector":"#submit"}`), 2*time.Second)
		out <- invokeResult{result, err}
	}()
	return out
}

func TestWebSocket_RequiresSessionID(t *testing.T) {
	f := newWSFixture(t)
	_, resp, err := f.dial(t, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocket_InvokeRoundTrip(t *testing.T) {
	f := newWSFixture(t)
	conn := f.connect(t, "abc")

	registered, err := f.registry.Lookup("abc")
	require.NoError(t, err)
	assert.Equal(t, "https://app.test", registered.Origin)

	pending := f.invokeAsync("abc")
	frame := readInvoke(t, conn)
	assert.Equal(t, domain.FrameInvokeTool, frame.Type)
	assert.Equal(t, "clickButton", frame.ToolName)
	assert.JSONEq(t, `{"selector":"#submit"}`, string(frame.Arguments))

	require.NoError(t, conn.WriteJSON(domain.ResultFrame{
		Type:      domain.FrameToolResult,
		RequestID: frame.RequestID,
		Success:   true,
		Result:    json.RawMessage(`{"clicked":true}`),
	}))

	select {
	case got := <-pending:
		require.NoError(t, got.err)
		assert.JSONEq(t, `{"clicked":true}`, string(got.result.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
	}
}

func TestWebSocket_RemoteFailure(t *testing.T) {
	f := newWSFixture(t)
	conn := f.connect(t, "abc")

	pending := f.invokeAsync("abc")
	frame := readInvoke(t, conn)
	require.NoError(t, conn.WriteJSON(domain.ResultFrame{
		Type:      domain.FrameToolResult,
		RequestID: frame.RequestID,
		Error:     "element not found",
	}))

	got := <-pending
	var remote *domain.RemoteError
	require.ErrorAs(t, got.err, &remote)
	assert.Equal(t, "element not found", remote.Message)
}

func TestWebSocket_DisconnectFailsPendingCalls(t *testing.T) {
	f := newWSFixture(t)
	conn := f.connect(t, "abc")

	pending := f.invokeAsync("abc")
	readInvoke(t, conn)
	require.NoError(t, conn.Close())

	select {
	case got := <-pending:
		require.ErrorIs(t, got.err, domain.ErrSessionNotFound)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed on disconnect")
	}
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.correlator.Pending())
}

func TestWebSocket_ReconnectSupersedesOldConnection(t *testing.T) {
	f := newWSFixture(t)
	first := f.connect(t, "abc")
	before, err := f.registry.Lookup("abc")
	require.NoError(t, err)

	pending := f.invokeAsync("abc")
	stale := readInvoke(t, first)

	second, _, err := f.dial(t, "sessionId=abc", nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool {
		conn, err := f.registry.Lookup("abc")
		return err == nil && conn.Generation > before.Generation
	}, time.Second, 5*time.Millisecond)

	got := <-pending
	require.ErrorIs(t, got.err, domain.ErrSessionNotFound)

	// The superseded socket is closed by the server.
	_ = first.WriteJSON(domain.ResultFrame{Type: domain.FrameToolResult, RequestID: stale.RequestID, Success: true})
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = first.ReadMessage()
	require.Error(t, err)

	_, err = f.registry.Lookup("abc")
	require.NoError(t, err)
}

func TestWebSocket_PingAndToolsChanged(t *testing.T) {
	f := newWSFixture(t)
	conn := f.connect(t, "abc")

	require.NoError(t, conn.WriteJSON(domain.Frame{Type: domain.FramePing}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong domain.Frame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, domain.FramePong, pong.Type)

	require.NoError(t, conn.WriteJSON(domain.Frame{Type: domain.FrameToolsChanged}))
	select {
	case id := <-f.changed:
		assert.Equal(t, "abc", id)
	case <-time.After(time.Second):
		t.Fatal("tools changed callback not called")
	}

	// Unknown and malformed frames are ignored without closing the socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteJSON(domain.Frame{Type: domain.FramePing}))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, domain.FramePong, pong.Type)
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	f := newWSFixture(t, "https://app.test")

	header := http.Header{}
	header.Set("Origin", "https://evil.test")
	_, resp, err := f.dial(t, "sessionId=abc", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://APP.test/")
	conn, _, err := f.dial(t, "sessionId=abc", header)
	require.NoError(t, err)
	_ = conn.Close()

	f.handler.SetAllowedOrigins([]string{"*"})
	header.Set("Origin", "https://evil.test")
	conn, _, err = f.dial(t, "sessionId=def", header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocket_ShutdownRefusesNewConnections(t *testing.T) {
	f := newWSFixture(t)
	old := f.connect(t, "abc")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))
	assert.Equal(t, 0, f.handler.Active())
	assert.Equal(t, 0, f.registry.Len())

	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	require.Error(t, err)

	_, resp, err := f.dial(t, "sessionId=late&origin=https://app.test", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, f.registry.Len())

	// A connection that upgraded before Shutdown but registers after it is
	// not tracked.
	assert.False(t, f.handler.track(&wsConn{}, true))
	assert.Equal(t, 0, f.handler.Active())
}

func TestOriginPolicy(t *testing.T) {
	open := newOriginPolicy(nil)
	assert.True(t, open.allows("https://any.test"))

	strict := newOriginPolicy([]string{" https://a.test/ ", ""})
	assert.True(t, strict.allows("https://a.test"))
	assert.True(t, strict.allows(""))
	assert.False(t, strict.allows("https://b.test"))

	wildcard := newOriginPolicy([]string{"https://a.test", "*"})
	assert.True(t, wildcard.allows("https://b.test"))
}

func TestWSConn_SendBackpressure(t *testing.T) {
	conn := newWSConn(nil, 1, time.Second, time.Second, zap.NewNop())

	require.NoError(t, conn.Send(context.Background(), domain.Frame{Type: domain.FramePong}))
	err := conn.Send(context.Background(), domain.Frame{Type: domain.FramePong})
	require.ErrorIs(t, err, domain.ErrSendQueueFull)

	close(conn.done)
	err = conn.Send(context.Background(), domain.Frame{Type: domain.FramePong})
	require.ErrorIs(t, err, domain.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, conn.Send(ctx, domain.Frame{Type: domain.FramePong}), context.Canceled)
}
