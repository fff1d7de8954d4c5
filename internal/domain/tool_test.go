package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolDescriptor_PreservesUnknownKeys(t *testing.T) {
	input := `{
		"name": "clickButton",
		"description": "Click a button",
		"inputSchema": {"type": "object", "properties": {"selector": {"type": "string"}}},
		"_meta": {"ui": {"icon": "cursor"}},
		"annotations": {"readOnlyHint": false},
		"x-version": 3
	}`

	var tool ToolDescriptor
	require.NoError(t, json.Unmarshal([]byte(input), &tool))
	assert.Equal(t, "clickButton", tool.Name)
	assert.Equal(t, "Click a button", tool.Description)
	assert.Contains(t, tool.Extra, "annotations")
	assert.Contains(t, tool.Extra, "x-version")

	out, err := json.Marshal(tool)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(out))
}

func TestToolDescriptor_NullSchemaIsAbsent(t *testing.T) {
	var tool ToolDescriptor
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","inputSchema":null,"_meta":null}`), &tool))
	assert.Nil(t, tool.InputSchema)
	assert.Nil(t, tool.Meta)

	out, err := json.Marshal(tool)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"a"}`, string(out))
}

func TestToolDescriptor_CloneIsDeep(t *testing.T) {
	orig := ToolDescriptor{
		Name:        "scroll",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Meta:        Meta{"tags": []any{"page"}},
		Extra:       map[string]json.RawMessage{"x": json.RawMessage(`1`)},
	}
	clone := orig.Clone()
	if diff := cmp.Diff(orig, clone); diff != "" {
		t.Fatalf("clone mismatch (-orig +clone):\n%s", diff)
	}

	clone.InputSchema[0] = '['
	clone.Meta["tags"].([]any)[0] = "changed"
	clone.Extra["x"][0] = '2'
	assert.Equal(t, `{"type":"object"}`, string(orig.InputSchema))
	assert.Equal(t, "page", orig.Meta["tags"].([]any)[0])
	assert.Equal(t, "1", string(orig.Extra["x"]))

	assert.Nil(t, CloneToolDescriptors(nil))
}

func TestCatalogEntry_Fresh(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := CatalogEntry{FetchedAt: now.Add(-time.Minute)}
	assert.True(t, entry.Fresh(now, 2*time.Minute))
	assert.False(t, entry.Fresh(now, time.Minute))
	assert.False(t, CatalogEntry{}.Fresh(now, time.Hour))
}
