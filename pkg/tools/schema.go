package tools

import (
	"fmt"
)

// maxSchemaDepth bounds recursion when adapting nested schemas. Tools
// deeper than this cannot be safely presented to the model.
const maxSchemaDepth = 8

// AdaptSchema rewrites a tool's JSON Schema into the function-call form
// the model accepts:
//
//   - required fields stay required
//   - optional fields become nullable with a null default
//   - union-with-null types collapse to the nullable scalar form
//   - arrays must declare element schemas, recursively
//   - nested object properties with empty schemas are rejected
//
// Tools whose schemas cannot be adapted (unbounded unions, $ref, missing
// array element schemas, excessive nesting) return an error and are
// excluded from the registered surface. A nil schema means the tool
// takes no parameters and yields an explicit empty object schema. The
// input is never mutated.
func AdaptSchema(schema map[string]any) (map[string]any, error) {
	if len(schema) == 0 {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}, nil
	}
	return adaptNode(schema, false, true, 0)
}

// adaptNode adapts one schema node. optional marks a property absent
// from its parent's required list; root relaxes the empty-object rule
// for parameterless tools.
func adaptNode(schema map[string]any, optional, root bool, depth int) (map[string]any, error) {
	if depth > maxSchemaDepth {
		return nil, fmt.Errorf("schema nesting exceeds %d levels", maxSchemaDepth)
	}
	if _, ok := schema["$ref"]; ok {
		return nil, fmt.Errorf("$ref schemas cannot be adapted")
	}

	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		out[k] = deepCopyValue(v)
	}

	typ, wasNullable, err := resolveType(schema)
	if err != nil {
		return nil, err
	}

	switch typ {
	case "object":
		if err := adaptObjectBody(out, root, depth); err != nil {
			return nil, err
		}
	case "array":
		items, ok := schema["items"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("array schema must declare element schemas")
		}
		adaptedItems, err := adaptNode(items, false, false, depth+1)
		if err != nil {
			return nil, fmt.Errorf("array items: %w", err)
		}
		out["items"] = adaptedItems
	case "":
		// Untyped nodes are only acceptable when an enum constrains them.
		if _, ok := schema["enum"]; !ok {
			return nil, fmt.Errorf("empty-schema properties are forbidden")
		}
	}

	if typ != "" {
		out["type"] = typ
	}
	if optional || wasNullable {
		out["nullable"] = true
		if _, hasDefault := out["default"]; !hasDefault {
			out["default"] = nil
		}
	}
	return out, nil
}

// adaptObjectBody adapts an object node's properties in place.
func adaptObjectBody(out map[string]any, root bool, depth int) error {
	props, _ := out["properties"].(map[string]any)
	if len(props) == 0 {
		if root {
			out["properties"] = map[string]any{}
			return nil
		}
		return fmt.Errorf("empty-schema objects are forbidden")
	}

	required := requiredSet(out)
	adaptedProps := make(map[string]any, len(props))
	for name, raw := range props {
		propSchema, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("property %q has an invalid schema", name)
		}
		_, isRequired := required[name]
		adapted, err := adaptNode(propSchema, !isRequired, false, depth+1)
		if err != nil {
			return fmt.Errorf("property %q: %w", name, err)
		}
		adaptedProps[name] = adapted
	}
	out["properties"] = adaptedProps
	return nil
}

// resolveType normalizes a schema's type declaration. Union types are
// allowed only in the scalar-or-null form and collapse to the scalar
// with nullable set.
func resolveType(schema map[string]any) (string, bool, error) {
	switch t := schema["type"].(type) {
	case nil:
		if _, ok := schema["properties"]; ok {
			return "object", false, nil
		}
		if _, ok := schema["items"]; ok {
			return "array", false, nil
		}
		return "", false, nil
	case string:
		return t, false, nil
	case []any:
		var types []string
		nullable := false
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				return "", false, fmt.Errorf("invalid type entry %v", v)
			}
			if s == "null" {
				nullable = true
				continue
			}
			types = append(types, s)
		}
		switch len(types) {
		case 1:
			return types[0], nullable, nil
		case 0:
			return "", false, fmt.Errorf("type cannot be only null")
		default:
			return "", false, fmt.Errorf("unbounded union type %v", t)
		}
	default:
		return "", false, fmt.Errorf("invalid type declaration %v", t)
	}
}

// requiredSet extracts the required property names of an object schema.
func requiredSet(schema map[string]any) map[string]struct{} {
	set := make(map[string]struct{})
	switch req := schema["required"].(type) {
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				set[s] = struct{}{}
			}
		}
	case []string:
		for _, s := range req {
			set[s] = struct{}{}
		}
	}
	return set
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
