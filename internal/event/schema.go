package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-category payload schemas. Payloads may carry extra fields, so
// additionalProperties stays open everywhere; merged remote events keep
// their payloads verbatim and must revalidate cleanly.
var payloadSchemas = map[Category]string{
	Decision: `{
		"type": "object",
		"required": ["subject", "choice"],
		"properties": {
			"subject": {"type": "string", "minLength": 1},
			"choice":  {"type": "string", "minLength": 1},
			"reasons": {"type": "array", "items": {"type": "string"}},
			"resolves": {"type": "integer", "minimum": 1}
		}
	}`,
	Finding: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text":   {"type": "string", "minLength": 1},
			"source": {"type": "string"}
		}
	}`,
	Question: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1}
		}
	}`,
	Record: `{
		"type": "object"
	}`,
	CheckpointMarker: `{
		"type": "object",
		"required": ["checkpoint_id", "seq"],
		"properties": {
			"checkpoint_id": {"type": "string", "minLength": 1},
			"seq":           {"type": "integer", "minimum": 0},
			"trigger":       {"type": "string"}
		}
	}`,
	SyncMarker: `{
		"type": "object",
		"required": ["direction", "revision"],
		"properties": {
			"direction": {"type": "string", "enum": ["push", "pull", "resolve"]},
			"revision":  {"type": "integer", "minimum": 0},
			"merged":    {"type": "integer", "minimum": 0}
		}
	}`,
}

// Validator checks event payloads against their category schema. Compile
// once at startup; Validate is safe for concurrent use.
type Validator struct {
	compiled map[Category]*jsonschema.Schema
}

// NewValidator compiles the embedded payload schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[Category]*jsonschema.Schema, len(payloadSchemas))}
	for cat, doc := range payloadSchemas {
		c := jsonschema.NewCompiler()
		url := fmt.Sprintf("sessiond://schema/%s.json", cat)
		if err := c.AddResource(url, bytes.NewReader([]byte(doc))); err != nil {
			return nil, fmt.Errorf("event: add schema %s: %w", cat, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("event: compile schema %s: %w", cat, err)
		}
		v.compiled[cat] = s
	}
	return v, nil
}

// Validate checks payload against the schema for category.
func (v *Validator) Validate(category Category, payload json.RawMessage) error {
	s, ok := v.compiled[category]
	if !ok {
		return fmt.Errorf("event: unknown category %q", category)
	}
	var instance any
	if err := json.Unmarshal(payload, &instance); err != nil {
		return fmt.Errorf("event: payload is not valid JSON: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("event: %s payload rejected: %w", category, err)
	}
	return nil
}
