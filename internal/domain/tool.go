package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Meta carries extension metadata for tool descriptors.
type Meta map[string]any

// ToolDescriptor describes one tool published by a remote origin.
// Descriptors are treated as immutable once decoded; use Clone before handing
// one to code that may mutate it.
type ToolDescriptor struct {
	Name        string
	Title       string
	Description string
	InputSchema json.RawMessage
	Meta        Meta
	// Extra keeps unknown top-level keys so they survive a cache round trip.
	Extra map[string]json.RawMessage
}

var descriptorKeys = map[string]struct{}{
	"name":        {},
	"title":       {},
	"description": {},
	"inputSchema": {},
	"_meta":       {},
}

func (d *ToolDescriptor) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out ToolDescriptor
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &out.Name); err != nil {
			return err
		}
	}
	if v, ok := raw["title"]; ok {
		if err := json.Unmarshal(v, &out.Title); err != nil {
			return err
		}
	}
	if v, ok := raw["description"]; ok {
		if err := json.Unmarshal(v, &out.Description); err != nil {
			return err
		}
	}
	if v, ok := raw["inputSchema"]; ok && !isJSONNull(v) {
		out.InputSchema = append(json.RawMessage(nil), v...)
	}
	if v, ok := raw["_meta"]; ok && !isJSONNull(v) {
		if err := json.Unmarshal(v, &out.Meta); err != nil {
			return err
		}
	}
	for key, value := range raw {
		if _, known := descriptorKeys[key]; known {
			continue
		}
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage)
		}
		out.Extra[key] = append(json.RawMessage(nil), value...)
	}
	*d = out
	return nil
}

func (d ToolDescriptor) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(d.Extra)+5)
	for key, value := range d.Extra {
		obj[key] = value
	}
	obj["name"] = d.Name
	if d.Title != "" {
		obj["title"] = d.Title
	}
	if d.Description != "" {
		obj["description"] = d.Description
	}
	if len(d.InputSchema) > 0 {
		obj["inputSchema"] = d.InputSchema
	}
	if len(d.Meta) > 0 {
		obj["_meta"] = d.Meta
	}
	return json.Marshal(obj)
}

// Clone returns a deep copy of the descriptor.
func (d ToolDescriptor) Clone() ToolDescriptor {
	out := ToolDescriptor{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
	}
	if d.InputSchema != nil {
		out.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	}
	if d.Meta != nil {
		out.Meta = Meta(cloneJSONMap(d.Meta))
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for key, value := range d.Extra {
			out.Extra[key] = append(json.RawMessage(nil), value...)
		}
	}
	return out
}

// CloneToolDescriptors deep-copies an ordered descriptor list.
func CloneToolDescriptors(tools []ToolDescriptor) []ToolDescriptor {
	if tools == nil {
		return nil
	}
	out := make([]ToolDescriptor, len(tools))
	for i, tool := range tools {
		out[i] = tool.Clone()
	}
	return out
}

// CatalogEntry is one cached catalog for a normalized origin.
type CatalogEntry struct {
	Origin    string           `json:"origin"`
	Tools     []ToolDescriptor `json:"tools"`
	FetchedAt time.Time        `json:"fetchedAt"`
}

// Fresh reports whether the entry is younger than ttl at now.
func (e CatalogEntry) Fresh(now time.Time, ttl time.Duration) bool {
	if e.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.FetchedAt) < ttl
}

func cloneJSONMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = cloneJSONValue(value)
	}
	return out
}

func cloneJSONValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneJSONMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneJSONValue(item)
		}
		return out
	default:
		return typed
	}
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
