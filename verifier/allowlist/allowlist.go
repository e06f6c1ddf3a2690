// Package allowlist loads the verifier allowlist from director.yaml,
// schema-validated at load time the way the registry service validates tool
// payloads against a JSON schema before accepting them.
package allowlist

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/choiros/director/verifier"
)

// Schema is the JSON Schema every loaded allowlist document is validated
// against before being converted into []verifier.AllowlistEntry.
const Schema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["verifiers"],
  "properties": {
    "verifiers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type", "command"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "command": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "required_capabilities": {"type": "array", "items": {"type": "string"}},
          "declared_independent": {"type": "boolean"},
          "priority": {"type": "integer"},
          "path_globs": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

type document struct {
	Verifiers []entry `yaml:"verifiers" json:"verifiers"`
}

type entry struct {
	ID                   string   `yaml:"id" json:"id"`
	Type                 string   `yaml:"type" json:"type"`
	Command              []string `yaml:"command" json:"command"`
	RequiredCapabilities []string `yaml:"required_capabilities" json:"required_capabilities,omitempty"`
	DeclaredIndependent  bool     `yaml:"declared_independent" json:"declared_independent,omitempty"`
	Priority             int      `yaml:"priority" json:"priority,omitempty"`
	PathGlobs            []string `yaml:"path_globs" json:"path_globs,omitempty"`
}

// Load parses and schema-validates raw YAML into an ordered allowlist. The
// returned slice preserves document order; callers needing a deterministic
// plan order should sort separately (verifier/planner does this).
func Load(raw []byte) ([]verifier.AllowlistEntry, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("allowlist: parse yaml: %w", err)
	}

	// Re-marshal to JSON for schema validation: the allowlist's structural
	// contract is expressed once, in JSON Schema, regardless of the
	// document's source encoding.
	asJSON, err := yamlDocToJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("allowlist: convert for validation: %w", err)
	}
	if err := validate(asJSON); err != nil {
		return nil, fmt.Errorf("allowlist: schema validation: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Verifiers))
	out := make([]verifier.AllowlistEntry, 0, len(doc.Verifiers))
	for _, e := range doc.Verifiers {
		if e.ID == "" {
			return nil, fmt.Errorf("allowlist: verifier entry missing id")
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("allowlist: duplicate verifier id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
		out = append(out, verifier.AllowlistEntry{
			ID:                   e.ID,
			Type:                 e.Type,
			CommandTemplate:      e.Command,
			RequiredCapabilities: e.RequiredCapabilities,
			DeclaredIndependent:  e.DeclaredIndependent,
			Priority:             e.Priority,
			PathGlobs:            e.PathGlobs,
		})
	}
	return out, nil
}

func yamlDocToJSON(doc document) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func validate(doc any) error {
	c := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal([]byte(Schema), &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	if err := c.AddResource("allowlist-schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("allowlist-schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(doc)
}
