package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/bridge"
)

type echoInvoker struct {
	err error
}

func (e echoInvoker) Invoke(_ context.Context, _ string, _ string, arguments json.RawMessage, _ time.Duration) (domain.CallResult, error) {
	if e.err != nil {
		return domain.CallResult{}, e.err
	}
	return domain.CallResult{Payload: arguments, Success: true}, nil
}

func descriptor(name, schema string) domain.ToolDescriptor {
	return domain.ToolDescriptor{Name: name, Description: name + " tool", InputSchema: json.RawMessage(schema)}
}

func TestToolRegistry_ApplyRegistersAndRemovesTools(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})
	registry := newToolRegistry(server, "abc", zap.NewNop())

	registry.Apply([]*bridge.Binding{
		bridge.NewBinding(descriptor("clickButton", `{"type":"object"}`), "abc", echoInvoker{}, time.Second),
		bridge.NewBinding(descriptor("broken", `{"type":"string"}`), "abc", echoInvoker{}, time.Second),
	})

	_, session := connectClient(t, ctx, server)
	defer session.Close()

	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	require.Equal(t, "clickButton", res.Tools[0].Name)
	assert.Equal(t, "clickButton tool", res.Tools[0].Description)

	registry.Apply(nil)

	res, err = session.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 0)
}

func TestToolRegistry_CallUsesLatestBinding(t *testing.T) {
	ctx := context.Background()
	server := mcp.NewServer(&mcp.Implementation{Name: "gateway", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})
	registry := newToolRegistry(server, "abc", zap.NewNop())
	desc := descriptor("clickButton", `{"type":"object"}`)

	registry.Apply([]*bridge.Binding{bridge.NewBinding(desc, "abc", echoInvoker{}, time.Second)})
	_, session := connectClient(t, ctx, server)
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "clickButton", Arguments: map[string]any{"selector": "#go"}})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	assert.JSONEq(t, `{"selector":"#go"}`, res.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, map[string]any{"selector": "#go"}, res.StructuredContent)

	// Same descriptor, new invoker: the handler must pick up the new binding.
	registry.Apply([]*bridge.Binding{bridge.NewBinding(desc, "abc", echoInvoker{err: domain.E(domain.CodeDeadlineExceeded, "test", "late", domain.ErrTimeout)}, time.Second)})

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "clickButton"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, bridge.LabelTimeout+": ")
	assert.Nil(t, res.StructuredContent)
}

func TestCallToolResult(t *testing.T) {
	res := callToolResult(domain.ToolResult{Payload: json.RawMessage(`"done"`), Text: "done"})
	assert.False(t, res.IsError)
	assert.Nil(t, res.StructuredContent)
	assert.Equal(t, "done", res.Content[0].(*mcp.TextContent).Text)

	res = callToolResult(domain.ToolResult{Payload: json.RawMessage(` {"ok":true}`), Text: `{"ok":true}`})
	assert.JSONEq(t, `{"ok":true}`, string(res.StructuredContent.(json.RawMessage)))

	res = callToolResult(domain.ToolResult{IsError: true, Text: "remote error: boom"})
	assert.True(t, res.IsError)
	assert.Nil(t, res.StructuredContent)
}

func TestIsObjectSchema(t *testing.T) {
	assert.True(t, isObjectSchema(map[string]any{"type": "object"}))
	assert.True(t, isObjectSchema(map[string]any{"type": "Object"}))
	assert.False(t, isObjectSchema(map[string]any{"type": "array"}))
	assert.False(t, isObjectSchema(map[string]any{}))
	assert.False(t, isObjectSchema(nil))
}

func connectClient(t *testing.T, ctx context.Context, server *mcp.Server) (*mcp.Client, *mcp.ClientSession) {
	t.Helper()
	ct, st := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	return client, session
}
