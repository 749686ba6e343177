// Package request validates enqueue envelopes at the process edge, before
// anything reaches the engine. The envelope schema is fixed; payload schemas
// can be registered per operation kind for deployments that want payload
// shape enforced up front rather than at execution time.
package request

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema is the shape every enqueue request must satisfy.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["quote_id", "operation_kind", "operation_key", "payload"],
	"additionalProperties": false,
	"properties": {
		"quote_id":       {"type": "string", "minLength": 1, "maxLength": 256},
		"operation_kind": {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[a-z][a-z0-9_]*$"},
		"operation_key":  {"type": "string", "minLength": 1, "maxLength": 512},
		"payload":        {"type": "object"},
		"max_retries":    {"type": "integer", "minimum": 1, "maximum": 100}
	}
}`

// ValidationError describes an envelope or payload schema failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validator checks enqueue requests against the envelope schema and any
// registered per-kind payload schemas.
type Validator struct {
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() (*Validator, error) {
	schema, err := compile("envelope.json", envelopeSchema)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{
		envelope: schema,
		payloads: map[string]*jsonschema.Schema{},
	}, nil
}

// RegisterPayloadSchema adds a payload schema for one operation kind.
func (v *Validator) RegisterPayloadSchema(operationKind, schemaJSON string) error {
	schema, err := compile(operationKind+".json", schemaJSON)
	if err != nil {
		return fmt.Errorf("compile payload schema for %s: %w", operationKind, err)
	}
	v.payloads[operationKind] = schema
	return nil
}

// Validate checks a raw enqueue request. On success it returns the decoded
// document for the caller to unmarshal into its own types.
func (v *Validator) Validate(raw []byte) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := v.envelope.Validate(doc); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("envelope validation failed: %s", err)}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &ValidationError{Message: "envelope is not an object"}
	}
	kind, _ := obj["operation_kind"].(string)
	if schema, ok := v.payloads[kind]; ok {
		if err := schema.Validate(obj["payload"]); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("payload validation failed for %s: %s", kind, err)}
		}
	}
	return doc, nil
}

func compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}
