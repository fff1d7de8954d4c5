package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"webinteract/internal/domain"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// DecodeCatalog parses a catalog document and validates every descriptor.
func DecodeCatalog(body []byte) ([]domain.ToolDescriptor, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, invalidCatalog("catalog body is empty", nil)
	}
	if trimmed[0] != '[' {
		return nil, invalidCatalog("catalog must be a JSON array of tool descriptors", nil)
	}
	var tools []domain.ToolDescriptor
	if err := json.Unmarshal(trimmed, &tools); err != nil {
		return nil, invalidCatalog("decode catalog", err)
	}
	if err := ValidateTools(tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// ValidateTools checks names and input schemas in place. A descriptor without
// an input schema gets an empty object schema.
func ValidateTools(tools []domain.ToolDescriptor) error {
	seen := make(map[string]struct{}, len(tools))
	var problems []string
	for i := range tools {
		tool := &tools[i]
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("tools[%d]: name is required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("tools[%d]: duplicate tool name %q", i, name))
			continue
		}
		seen[name] = struct{}{}
		if len(tool.InputSchema) == 0 {
			tool.InputSchema = append(json.RawMessage(nil), emptyObjectSchema...)
			continue
		}
		if err := validateInputSchema(tool.InputSchema); err != nil {
			problems = append(problems, fmt.Sprintf("tool %q: %v", name, err))
		}
	}
	if len(problems) > 0 {
		return invalidCatalog(strings.Join(problems, "; "), nil)
	}
	return nil
}

func validateInputSchema(raw json.RawMessage) error {
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("input schema is not a JSON schema: %w", err)
	}
	if !isObjectSchema(&schema) {
		return fmt.Errorf("input schema type must be \"object\"")
	}
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("input schema does not resolve: %w", err)
	}
	return nil
}

func isObjectSchema(schema *jsonschema.Schema) bool {
	if schema.Type == "object" {
		return true
	}
	for _, typ := range schema.Types {
		if typ == "object" {
			return true
		}
	}
	return false
}

func invalidCatalog(msg string, cause error) error {
	if cause == nil {
		cause = domain.ErrInvalidCatalog
	} else {
		cause = fmt.Errorf("%w: %w", domain.ErrInvalidCatalog, cause)
	}
	return domain.E(domain.CodeInvalidArgument, "catalog.validate", msg, cause)
}
