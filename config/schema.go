package config

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed director.schema.json
var schemaBytes []byte

// ValidateSchema checks raw director.yaml bytes against the bundled JSON
// Schema before Document fields are ever trusted, the same
// unmarshal-then-compile-then-validate sequence the registry service uses to
// check a tool-call payload against its declared schema: decode both sides
// to any, compile the schema once, then Validate.
func ValidateSchema(raw []byte) error {
	var yamlDoc any
	if err := yaml.Unmarshal(raw, &yamlDoc); err != nil {
		return fmt.Errorf("%w: parse yaml: %v", ErrInvalidConfig, err)
	}
	payloadDoc, err := toJSONCompatible(yamlDoc)
	if err != nil {
		return fmt.Errorf("%w: normalize document: %v", ErrInvalidConfig, err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("config: unmarshal bundled schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("director.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("config: add schema resource: %w", err)
	}
	schema, err := c.Compile("director.schema.json")
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	if err := schema.Validate(payloadDoc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// toJSONCompatible rewrites the map[string]any/[]any tree yaml.v3 produces
// into the map[string]any/[]any/float64/string/bool/nil tree jsonschema/v6
// expects, round-tripping through encoding/json so map[any]any-shaped nested
// keys and non-string scalar keys are rejected the same way a real JSON
// document would reject them.
func toJSONCompatible(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
