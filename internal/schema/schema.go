// Package schema validates struct schemas and the payloads stored under them.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gftdcojp/conditions-db/internal/codec"
	"github.com/gftdcojp/conditions-db/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSkipped reports that a payload format cannot be validated.
var ErrSkipped = errors.New("schema validation skipped")

const metaSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"description": "struct schema document",
	"type": "object",
	"required": ["$id", "$schema", "properties", "required"],
	"properties": {
		"$id": {"type": "string"},
		"$schema": {"type": "string"},
		"properties": {"type": "object"},
		"required": {"type": "array", "items": {"type": "string"}}
	}
}`

var metaSchema = jsonschema.MustCompileString("struct-meta-schema.json", metaSchemaDoc)

// Compile parses a schema document.
func Compile(doc string) (*jsonschema.Schema, error) {
	sch, err := jsonschema.CompileString("struct-schema.json", doc)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return sch, nil
}

// CheckDocument verifies that doc is a usable struct schema: valid JSON,
// carrying $id, $schema, properties and required, and compilable.
func CheckDocument(doc string) error {
	if doc == "" {
		return errors.New("empty schema document")
	}
	v, err := decodeJSON([]byte(doc))
	if err != nil {
		return fmt.Errorf("parsing schema: %w", err)
	}
	if err := metaSchema.Validate(v); err != nil {
		return fmt.Errorf("schema document rejected: %w", err)
	}
	_, err = Compile(doc)
	return err
}

// decodeJSON decodes a single JSON document the way Schema.Validate expects
// it: numbers as json.Number.
func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON document")
	}
	return v, nil
}

// Validate checks JSON text against a schema document.
func Validate(doc string, data []byte) error {
	sch, err := Compile(doc)
	if err != nil {
		return err
	}
	v, err := decodeJSON(data)
	if err != nil {
		return fmt.Errorf("parsing payload data: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("payload does not match schema: %w", err)
	}
	return nil
}

// ValidatePayload checks the inline data of p against doc. Payloads without
// inline data or in an opaque format return ErrSkipped.
func ValidatePayload(doc string, p *types.Payload) error {
	if len(p.Data) == 0 || !codec.Structured(p.Format) {
		return ErrSkipped
	}
	raw, err := codec.ToJSON(p.Data, p.Format)
	if err != nil {
		return err
	}
	return Validate(doc, raw)
}
