package app

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandConfigEnv replaces ${VAR} references in YAML scalar values and
// returns the re-encoded document with the names of unset variables.
// Unquoted scalars are retyped after expansion so `${PORT}` can feed an int.
func expandConfigEnv(raw []byte) (string, []string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return "", nil, fmt.Errorf("parse config: %w", err)
	}

	e := envExpander{lookup: os.LookupEnv, missing: make(map[string]struct{})}
	e.walk(&root)

	expanded, err := yaml.Marshal(&root)
	if err != nil {
		return "", nil, fmt.Errorf("encode expanded config: %w", err)
	}
	return string(expanded), e.missingNames(), nil
}

type envExpander struct {
	lookup  func(string) (string, bool)
	missing map[string]struct{}
}

func (e *envExpander) walk(node *yaml.Node) {
	switch node.Kind {
	case yaml.MappingNode:
		// Keys are never expanded.
		for i := 1; i < len(node.Content); i += 2 {
			e.walk(node.Content[i])
		}
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, child := range node.Content {
			e.walk(child)
		}
	case yaml.AliasNode:
		if node.Alias != nil {
			e.walk(node.Alias)
		}
	case yaml.ScalarNode:
		e.scalar(node)
	}
}

func (e *envExpander) scalar(node *yaml.Node) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	expanded := os.Expand(node.Value, func(key string) string {
		if val, ok := e.lookup(key); ok {
			return val
		}
		e.missing[key] = struct{}{}
		return ""
	})
	if expanded == node.Value {
		return
	}
	if node.Style != 0 {
		node.Tag, node.Value = "!!str", expanded
		return
	}
	node.Tag, node.Value = scalarTag(expanded)
}

func (e *envExpander) missingNames() []string {
	if len(e.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.missing))
	for name := range e.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func scalarTag(value string) (string, string) {
	if strings.TrimSpace(value) == "" {
		return "!!str", value
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return "!!str", value
	}
	switch v := parsed.(type) {
	case nil:
		return "!!null", "null"
	case bool:
		return "!!bool", strconv.FormatBool(v)
	case int:
		return "!!int", strconv.Itoa(v)
	case float64:
		return "!!float", strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "!!str", value
	}
}
