package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"webinteract/internal/domain"
)

const (
	LabelTimeout         = "timeout"
	LabelCanceled        = "canceled"
	LabelRemoteError     = "remote error"
	LabelSessionNotFound = "session not found"
	LabelInternalError   = "internal error"
)

// Binding is a catalog tool bound to one browser session. Execute never
// returns an error; failures become an error ToolResult.
type Binding struct {
	descriptor domain.ToolDescriptor
	sessionID  string
	invoker    domain.CallInvoker
	timeout    time.Duration
	logger     *zap.Logger
}

func NewBinding(descriptor domain.ToolDescriptor, sessionID string, invoker domain.CallInvoker, timeout time.Duration) *Binding {
	return &Binding{
		descriptor: descriptor,
		sessionID:  sessionID,
		invoker:    invoker,
		timeout:    timeout,
		logger:     zap.NewNop(),
	}
}

func (b *Binding) withLogger(logger *zap.Logger) *Binding {
	if logger != nil {
		b.logger = logger
	}
	return b
}

func (b *Binding) Name() string {
	return b.descriptor.Name
}

func (b *Binding) SessionID() string {
	return b.sessionID
}

// Descriptor returns a copy of the bound tool descriptor.
func (b *Binding) Descriptor() domain.ToolDescriptor {
	return b.descriptor.Clone()
}

// Execute forwards arguments to the bound session. arguments may be a
// json.RawMessage, []byte, nil or any JSON-encodable value.
func (b *Binding) Execute(ctx context.Context, arguments any) (result domain.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tool execution panicked", zap.String("tool", b.descriptor.Name), zap.Any("panic", r))
			result = errorResult(LabelInternalError, fmt.Sprintf("tool %s panicked: %v", b.descriptor.Name, r))
		}
	}()

	raw, err := encodeArguments(arguments)
	if err != nil {
		return errorResult(LabelInternalError, fmt.Sprintf("encode arguments: %v", err))
	}
	if b.invoker == nil {
		return errorResult(LabelInternalError, "tool has no invoker")
	}

	call, err := b.invoker.Invoke(ctx, b.sessionID, b.descriptor.Name, raw, b.timeout)
	if err != nil {
		return resultFromError(err)
	}
	return domain.ToolResult{Payload: call.Payload, Text: payloadText(call.Payload)}
}

func encodeArguments(arguments any) (json.RawMessage, error) {
	switch typed := arguments.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return validJSON(typed)
	case []byte:
		return validJSON(typed)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}

func validJSON(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("arguments are not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func resultFromError(err error) domain.ToolResult {
	var remote *domain.RemoteError
	switch {
	case errors.As(err, &remote):
		msg := remote.Message
		if msg == "" {
			msg = "tool reported failure"
		}
		return errorResult(LabelRemoteError, msg)
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errorResult(LabelTimeout, err.Error())
	case errors.Is(err, domain.ErrCanceled), errors.Is(err, context.Canceled):
		return errorResult(LabelCanceled, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		return errorResult(LabelSessionNotFound, err.Error())
	default:
		return errorResult(LabelInternalError, err.Error())
	}
}

func errorResult(label, detail string) domain.ToolResult {
	return domain.ToolResult{IsError: true, Text: label + ": " + detail}
}

// payloadText renders a result payload for text-only agent clients. JSON
// strings are unquoted; everything else is passed through as JSON.
func payloadText(payload json.RawMessage) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return string(trimmed)
}
