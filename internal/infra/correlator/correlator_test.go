package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webinteract/internal/domain"
	"webinteract/internal/infra/session"
)

// browserHandle captures invoke frames sent to one fake browser session.
type browserHandle struct {
	mu      sync.Mutex
	frames  chan domain.InvokeFrame
	sendErr error
}

func newBrowserHandle() *browserHandle {
	return &browserHandle{frames: make(chan domain.InvokeFrame, 64)}
}

func (h *browserHandle) Send(_ context.Context, msg any) error {
	h.mu.Lock()
	err := h.sendErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	frame, ok := msg.(domain.InvokeFrame)
	if !ok {
		return errors.New("unexpected message type")
	}
	h.frames <- frame
	return nil
}

func (h *browserHandle) next(t *testing.T) domain.InvokeFrame {
	t.Helper()
	select {
	case frame := <-h.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no invoke frame sent")
		return domain.InvokeFrame{}
	}
}

type harness struct {
	registry   *session.Registry
	correlator *Correlator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := session.NewRegistry(session.RegistryOptions{})
	c, err := New(Options{Sessions: registry, DefaultTimeout: 5 * time.Second})
	require.NoError(t, err)
	registry.AddListener(c)
	return &harness{registry: registry, correlator: c}
}

func (h *harness) connect(t *testing.T, sessionID string) (*browserHandle, domain.SessionConn) {
	t.Helper()
	handle := newBrowserHandle()
	conn, err := h.registry.Register(sessionID, "https://app.test", handle)
	require.NoError(t, err)
	return handle, conn
}

type invokeResult struct {
	result domain.CallResult
	err    error
}

func (h *harness) invokeAsync(ctx context.Context, sessionID, tool string, args string, timeout time.Duration) <-chan invokeResult {
	out := make(chan invokeResult, 1)
	go func() {
		result, err := h.correlator.Invoke(ctx, sessionID, tool, json.RawMessage(args), timeout)
		out <- invokeResult{result: result, err: err}
	}()
	return out
}

func wait(t *testing.T, ch <-chan invokeResult) invokeResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("invoke did not return")
		return invokeResult{}
	}
}

func TestNew_RequiresSessions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestInvoke_Success(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")

	done := h.invokeAsync(context.Background(), "abc", "clickButton", `{"selector":"#submit"}`, 0)
	frame := handle.next(t)
	assert.Equal(t, domain.FrameInvokeTool, frame.Type)
	assert.Equal(t, "clickButton", frame.ToolName)
	assert.JSONEq(t, `{"selector":"#submit"}`, string(frame.Arguments))
	assert.Equal(t, 1, h.correlator.Pending())

	ok := h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{
		Type:      domain.FrameToolResult,
		RequestID: frame.RequestID,
		Success:   true,
		Result:    json.RawMessage(`{"clicked":true}`),
	})
	require.True(t, ok)

	res := wait(t, done)
	require.NoError(t, res.err)
	assert.True(t, res.result.Success)
	assert.JSONEq(t, `{"clicked":true}`, string(res.result.Payload))
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestInvoke_EmptyArgumentsBecomeObject(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")

	done := h.invokeAsync(context.Background(), "abc", "readTitle", "", 0)
	frame := handle.next(t)
	assert.JSONEq(t, `{}`, string(frame.Arguments))
	h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{RequestID: frame.RequestID, Success: true})
	require.NoError(t, wait(t, done).err)
}

func TestInvoke_RemoteError(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")

	done := h.invokeAsync(context.Background(), "abc", "clickButton", `{}`, 0)
	frame := handle.next(t)
	h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{
		RequestID: frame.RequestID,
		Success:   false,
		Error:     "element #submit not found",
	})

	res := wait(t, done)
	var remote *domain.RemoteError
	require.ErrorAs(t, res.err, &remote)
	assert.Equal(t, "element #submit not found", remote.Message)
	code, _ := domain.CodeFrom(res.err)
	assert.Equal(t, domain.CodeRemote, code)
}

func TestInvoke_UnknownSessionFailsFast(t *testing.T) {
	h := newHarness(t)
	other, _ := h.connect(t, "abc")

	start := time.Now()
	_, err := h.correlator.Invoke(context.Background(), "zzz", "clickButton", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 0, h.correlator.Pending())
	assert.Empty(t, other.frames)
}

func TestInvoke_Timeout(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")

	start := time.Now()
	_, err := h.correlator.Invoke(context.Background(), "abc", "slowTool", nil, 100*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 0, h.correlator.Pending())

	stale := handle.next(t)
	assert.False(t, h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{RequestID: stale.RequestID, Success: true}))

	done := h.invokeAsync(context.Background(), "abc", "fastTool", `{}`, time.Second)
	frame := handle.next(t)
	assert.NotEqual(t, stale.RequestID, frame.RequestID)
	require.True(t, h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{RequestID: frame.RequestID, Success: true}))
	require.NoError(t, wait(t, done).err)
}

func TestInvoke_Cancellation(t *testing.T) {
	h := newHarness(t)
	handle, _ := h.connect(t, "abc")

	ctx, cancel := context.WithCancel(context.Background())
	done := h.invokeAsync(ctx, "abc", "clickButton", `{}`, time.Minute)
	handle.next(t)
	cancel()

	res := wait(t, done)
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, domain.ErrCanceled))
	code, _ := domain.CodeFrom(res.err)
	assert.Equal(t, domain.CodeCanceled, code)
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestInvoke_ContextDeadlineIsTimeout(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "abc")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.correlator.Invoke(ctx, "abc", "clickButton", nil, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestInvoke_SendFailure(t *testing.T) {
	h := newHarness(t)
	handle, _ := h.connect(t, "abc")

	handle.sendErr = domain.ErrConnectionClosed
	_, err := h.correlator.Invoke(context.Background(), "abc", "clickButton", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSessionNotFound))
	assert.Equal(t, 0, h.correlator.Pending())

	handle.sendErr = domain.ErrSendQueueFull
	_, err = h.correlator.Invoke(context.Background(), "abc", "clickButton", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSendQueueFull))
	code, _ := domain.CodeFrom(err)
	assert.Equal(t, domain.CodeUnavailable, code)
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestInvoke_SendAfterCancelIsCanceled(t *testing.T) {
	h := newHarness(t)
	handle, _ := h.connect(t, "abc")
	handle.sendErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.correlator.Invoke(ctx, "abc", "clickButton", nil, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCanceled))
	code, _ := domain.CodeFrom(err)
	assert.Equal(t, domain.CodeCanceled, code)
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestDispatch_IsolatesSessions(t *testing.T) {
	h := newHarness(t)
	h1, c1 := h.connect(t, "s1")
	h2, c2 := h.connect(t, "s2")

	done1 := h.invokeAsync(context.Background(), "s1", "echo", `{"n":1}`, time.Second)
	done2 := h.invokeAsync(context.Background(), "s2", "echo", `{"n":2}`, time.Second)
	f1 := h1.next(t)
	f2 := h2.next(t)

	// A result for s1's call arriving over s2's connection is dropped.
	assert.False(t, h.correlator.Dispatch("s2", c2.Generation, domain.ResultFrame{RequestID: f1.RequestID, Success: true, Result: json.RawMessage(`"wrong"`)}))

	require.True(t, h.correlator.Dispatch("s2", c2.Generation, domain.ResultFrame{RequestID: f2.RequestID, Success: true, Result: json.RawMessage(`"two"`)}))
	require.True(t, h.correlator.Dispatch("s1", c1.Generation, domain.ResultFrame{RequestID: f1.RequestID, Success: true, Result: json.RawMessage(`"one"`)}))

	assert.JSONEq(t, `"one"`, string(wait(t, done1).result.Payload))
	assert.JSONEq(t, `"two"`, string(wait(t, done2).result.Payload))
}

func TestDispatch_UnknownRequestID(t *testing.T) {
	h := newHarness(t)
	_, conn := h.connect(t, "abc")
	assert.False(t, h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{RequestID: "nope", Success: true}))
}

func TestReconnectFailsSupersededCalls(t *testing.T) {
	h := newHarness(t)
	oldHandle, oldConn := h.connect(t, "abc")

	done := h.invokeAsync(context.Background(), "abc", "clickButton", `{}`, time.Minute)
	frame := oldHandle.next(t)

	newHandle, newConn := h.connect(t, "abc")
	res := wait(t, done)
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, domain.ErrSessionNotFound))

	// A late answer over the old connection is ignored.
	assert.False(t, h.correlator.Dispatch("abc", oldConn.Generation, domain.ResultFrame{RequestID: frame.RequestID, Success: true}))

	done = h.invokeAsync(context.Background(), "abc", "clickButton", `{}`, time.Minute)
	frame = newHandle.next(t)
	require.True(t, h.correlator.Dispatch("abc", newConn.Generation, domain.ResultFrame{RequestID: frame.RequestID, Success: true}))
	require.NoError(t, wait(t, done).err)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")

	first := h.invokeAsync(context.Background(), "abc", "a", `{}`, time.Minute)
	second := h.invokeAsync(context.Background(), "abc", "b", `{}`, time.Minute)
	handle.next(t)
	handle.next(t)

	require.True(t, h.registry.UnregisterGeneration("abc", conn.Generation))
	assert.Equal(t, 0, h.correlator.FailSession("abc", conn.Generation))

	for _, ch := range []<-chan invokeResult{first, second} {
		res := wait(t, ch)
		assert.True(t, errors.Is(res.err, domain.ErrSessionNotFound))
	}
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestInvoke_ConcurrentCallsOnOneSession(t *testing.T) {
	h := newHarness(t)
	handle, conn := h.connect(t, "abc")
	const calls = 20

	go func() {
		for i := 0; i < calls; i++ {
			frame := <-handle.frames
			h.correlator.Dispatch("abc", conn.Generation, domain.ResultFrame{
				RequestID: frame.RequestID,
				Success:   true,
				Result:    frame.Arguments,
			})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args, _ := json.Marshal(map[string]int{"i": i})
			result, err := h.correlator.Invoke(context.Background(), "abc", "echo", args, 2*time.Second)
			if assert.NoError(t, err) {
				assert.JSONEq(t, string(args), string(result.Payload))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, h.correlator.Pending())
}

func TestSetDefaultTimeout(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 5*time.Second, h.correlator.DefaultTimeout())
	h.correlator.SetDefaultTimeout(0)
	assert.Equal(t, 300*time.Second, h.correlator.DefaultTimeout())
	h.correlator.SetDefaultTimeout(30 * time.Millisecond)

	h.connect(t, "abc")
	_, err := h.correlator.Invoke(context.Background(), "abc", "slow", nil, 0)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
}
