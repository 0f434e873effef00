package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a JSON Schema from a Go struct type. Fields
// marked with `jsonschema:"required"` become required; everything else
// is optional. The result is the raw schema, before AdaptSchema applies
// the model-facing rewrite.
func GenerateSchema[T any]() (map[string]any, error) {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	var v T
	schema := r.Reflect(&v)

	b, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling reflected schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding reflected schema: %w", err)
	}

	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}
