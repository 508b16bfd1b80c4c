package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// normalizeSchema applies two syntactic, idempotent rewrites so that
// every tool's declared schema is safe to hand to a provider's
// function-calling surface: drop "default" keys (some providers reject
// them) and synthesize a bare object schema when a declaration carries
// only a description.
func normalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		schema = map[string]any{}
	}
	scrubDefaults(schema)
	if _, hasType := schema["type"]; !hasType {
		if _, hasProps := schema["properties"]; !hasProps {
			schema["type"] = "object"
		}
	}
	return schema
}

func scrubDefaults(v any) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, "default")
		for _, child := range t {
			scrubDefaults(child)
		}
	case []any:
		for _, child := range t {
			scrubDefaults(child)
		}
	}
}

var schemaCache sync.Map

// compileSchema compiles and caches a JSON schema by its serialized
// form.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode tool schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArgs validates call args against a tool's declared schema. A
// nil or empty schema accepts anything.
func validateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode tool args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}
	return compiled.Validate(decoded)
}
