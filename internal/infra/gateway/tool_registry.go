package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/bridge"
	"webinteract/internal/infra/hashutil"
	"webinteract/internal/infra/telemetry"
)

type registeredTool struct {
	binding     *bridge.Binding
	fingerprint string
}

// toolRegistry mirrors a session's bindings onto one MCP server.
type toolRegistry struct {
	server     *mcp.Server
	sessionID  string
	logger     *zap.Logger
	mu         sync.Mutex
	registered map[string]registeredTool
}

func newToolRegistry(server *mcp.Server, sessionID string, logger *zap.Logger) *toolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &toolRegistry{
		server:     server,
		sessionID:  sessionID,
		logger:     logger.Named("tool_registry"),
		registered: make(map[string]registeredTool),
	}
}

// Apply registers the given bindings and removes tools that are no longer
// present. Tools whose descriptor did not change are not re-added.
func (r *toolRegistry) Apply(bindings []*bridge.Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]registeredTool, len(bindings))
	for _, binding := range bindings {
		if binding == nil || binding.Name() == "" {
			continue
		}
		raw, err := json.Marshal(binding.Descriptor())
		if err != nil {
			r.logger.Warn("encode tool failed", telemetry.ToolField(binding.Name()), zap.Error(err))
			continue
		}
		var tool mcp.Tool
		if err := json.Unmarshal(raw, &tool); err != nil {
			r.logger.Warn("decode tool failed", telemetry.ToolField(binding.Name()), zap.Error(err))
			continue
		}
		if !isObjectSchema(tool.InputSchema) {
			r.logger.Warn("skip tool with invalid input schema", telemetry.ToolField(tool.Name))
			continue
		}
		if tool.OutputSchema != nil && !isObjectSchema(tool.OutputSchema) {
			r.logger.Warn("skip tool with invalid output schema", telemetry.ToolField(tool.Name))
			continue
		}

		entry := registeredTool{binding: binding, fingerprint: hashutil.ToolETag(r.logger, binding.Descriptor())}
		if prev, ok := r.registered[tool.Name]; !ok || prev.fingerprint != entry.fingerprint {
			r.server.AddTool(&tool, r.handler(tool.Name))
		}
		next[tool.Name] = entry
	}

	var remove []string
	for name := range r.registered {
		if _, ok := next[name]; !ok {
			remove = append(remove, name)
		}
	}
	if len(remove) > 0 {
		r.server.RemoveTools(remove...)
	}
	r.registered = next
}

func (r *toolRegistry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[name]
	return ok
}

func (r *toolRegistry) binding(name string) (*bridge.Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.registered[name]
	return entry.binding, ok
}

func (r *toolRegistry) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		binding, ok := r.binding(name)
		if !ok {
			return toolErrorResult(fmt.Sprintf("%s: tool %q is no longer available", bridge.LabelInternalError, name)), nil
		}
		var args json.RawMessage
		if req != nil && req.Params != nil {
			args = json.RawMessage(req.Params.Arguments)
		}
		ctx, _ = telemetry.EnsureRequestMeta(ctx, "", r.sessionID)
		return callToolResult(binding.Execute(ctx, args)), nil
	}
}

// callToolResult renders a ToolResult for MCP clients. Object payloads are
// also exposed as structured content.
func callToolResult(result domain.ToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: result.Text}},
		IsError: result.IsError,
	}
	if !result.IsError {
		if trimmed := bytes.TrimSpace(result.Payload); len(trimmed) > 0 && trimmed[0] == '{' {
			out.StructuredContent = json.RawMessage(trimmed)
		}
	}
	return out
}

func toolErrorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func isObjectSchema(schema any) bool {
	if schema == nil {
		return false
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	if typ, ok := obj["type"]; ok {
		if val, ok := typ.(string); ok {
			return strings.EqualFold(val, "object")
		}
	}
	return false
}
