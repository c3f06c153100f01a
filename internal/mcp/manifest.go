// ABOUTME: Embedded YAML manifest describing the tools the endpoint advertises
// ABOUTME: Schemas are authored in YAML and served to the agent as JSON

package mcp

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed tools.yaml
var defaultManifest []byte

// ToolSpec is one tool entry in the manifest.
type ToolSpec struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
}

// Manifest lists advertised tools.
type Manifest struct {
	Tools []ToolSpec `yaml:"tools"`
}

// LoadManifest reads a manifest from YAML bytes.
func LoadManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse tool manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Tools))
	for _, t := range m.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("parse tool manifest: tool without a name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("parse tool manifest: duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	return &m, nil
}

// LoadManifestFile reads a manifest from a YAML file on disk.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool manifest: %w", err)
	}
	return LoadManifest(data)
}

// MCPTools converts the manifest entries to wire form.
func (m *Manifest) MCPTools() ([]MCPTool, error) {
	tools := make([]MCPTool, 0, len(m.Tools))
	for _, t := range m.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", t.Name, err)
		}
		tools = append(tools, MCPTool{Name: t.Name, Description: t.Description, InputSchema: data})
	}
	return tools, nil
}
