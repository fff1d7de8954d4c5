package hashutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"webinteract/internal/domain"
)

func TestCatalogETag(t *testing.T) {
	a := []domain.ToolDescriptor{{Name: "click", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	b := []domain.ToolDescriptor{{Name: "click", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	c := []domain.ToolDescriptor{{Name: "scroll"}}

	assert.Len(t, CatalogETag(nil, a), 64)
	assert.Equal(t, CatalogETag(nil, a), CatalogETag(nil, b))
	assert.NotEqual(t, CatalogETag(nil, a), CatalogETag(nil, c))
}

func TestToolETag_UnmarshalableIsEmpty(t *testing.T) {
	assert.Empty(t, ToolETag(nil, map[string]any{"bad": make(chan int)}))
}
