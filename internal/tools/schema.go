// Package tools provides the built-in tools the engine registers out of
// the box: clock, calc, http_fetch and read_file. Each tool derives its
// JSON schema from its params struct so the schema and the decode logic
// cannot drift apart.
package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a JSON schema from a params struct. The reflected
// schema is inlined (no $ref indirection) because providers expect a
// self-contained object schema per tool.
func schemaFor(params any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(params)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
