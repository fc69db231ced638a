package httpapi

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request payloads are validated against these schemas before any
// domain decoding, so malformed shapes are rejected with a stable
// error instead of surfacing as partial unmarshal failures.

const createSessionSchemaJSON = `{
	"type": "object",
	"properties": {
		"sessionId": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const changeBatchSchemaJSON = `{
	"type": "object",
	"required": ["changes"],
	"properties": {
		"changes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["path", "value"],
				"properties": {
					"path": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					},
					"value": {},
					"logicalTime": {"type": "integer", "minimum": 0}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

const bundleImportSchemaJSON = `{
	"type": "object",
	"required": ["bundle", "changes"],
	"properties": {
		"bundle": {
			"type": "object",
			"required": ["session", "clock", "expires_at"],
			"properties": {
				"session": {"type": "object"},
				"relatedEntities": {"type": "object"},
				"clock": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}},
				"expires_at": {"type": "string"}
			}
		},
		"changes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["path", "value"],
				"properties": {
					"path": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					},
					"value": {},
					"logicalTime": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

type requestSchemas struct {
	createSession *jsonschema.Schema
	changeBatch   *jsonschema.Schema
	bundleImport  *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"firesync://schemas/create-session.json": createSessionSchemaJSON,
		"firesync://schemas/change-batch.json":   changeBatchSchemaJSON,
		"firesync://schemas/bundle-import.json":  bundleImportSchemaJSON,
	}
	for url, raw := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	out := &requestSchemas{}
	var err error
	if out.createSession, err = compiler.Compile("firesync://schemas/create-session.json"); err != nil {
		return nil, err
	}
	if out.changeBatch, err = compiler.Compile("firesync://schemas/change-batch.json"); err != nil {
		return nil, err
	}
	if out.bundleImport, err = compiler.Compile("firesync://schemas/bundle-import.json"); err != nil {
		return nil, err
	}
	return out, nil
}

// validateAgainst checks raw JSON against a compiled schema and
// returns a caller-facing message on failure.
func validateAgainst(schema *jsonschema.Schema, body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return nil
}
