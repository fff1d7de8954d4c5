package domain

import (
	"context"
	"encoding/json"
	"time"
)

// CallStatus is the terminal state of a pending call.
type CallStatus string

const (
	CallStatusFulfilled   CallStatus = "fulfilled"
	CallStatusFailed      CallStatus = "failed"
	CallStatusTimedOut    CallStatus = "timed_out"
	CallStatusCanceled    CallStatus = "canceled"
	CallStatusSessionGone CallStatus = "session_gone"
)

// CallResult is the successful answer of a browser tool call.
type CallResult struct {
	RequestID string
	Payload   json.RawMessage
	Success   bool
}

// CallOutcome is the tagged result delivered to a waiting invocation.
// Exactly one of Result or Err is meaningful, selected by Status.
type CallOutcome struct {
	Status CallStatus
	Result CallResult
	Err    error
}

// PendingCall describes one outstanding invocation.
type PendingCall struct {
	RequestID  string
	SessionID  string
	Generation uint64
	ToolName   string
	Arguments  json.RawMessage
	CreatedAt  time.Time
}

// ToolResult is what the agent-facing layer always receives from a binding.
type ToolResult struct {
	Payload json.RawMessage
	Text    string
	IsError bool
}

// CallInvoker executes a tool call against a browser session.
type CallInvoker interface {
	Invoke(ctx context.Context, sessionID, toolName string, arguments json.RawMessage, timeout time.Duration) (CallResult, error)
}

const (
	FrameInvokeTool   = "invokeTool"
	FrameToolResult   = "toolResult"
	FrameToolsChanged = "toolsChanged"
	FramePing         = "ping"
	FramePong         = "pong"
)

// InvokeFrame is sent to the browser to start a tool call.
type InvokeFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ResultFrame is the browser's answer to an InvokeFrame.
type ResultFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Frame is the envelope used to sniff the type of an inbound message.
type Frame struct {
	Type string `json:"type"`
}
