// Package validation provides JSON Schema validation for definition payloads.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/avennor/ensemble/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// definitionSchemaJSON is the JSON Schema for DefinitionFile payloads.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ensemble.dev/schemas/definition.json",
  "type": "object",
  "required": ["workflows"],
  "properties": {
    "agents": {
      "type": "array",
      "items": { "$ref": "#/$defs/agent" }
    },
    "workflows": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/workflow" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "agent": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["llm", "system", "human", "service"]
        },
        "command": { "type": "string" },
        "args": {
          "type": "array",
          "items": { "type": "string" }
        },
        "env": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "workflow": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "name": { "type": "string" },
        "commander_agent_name": { "type": "string" },
        "role_map": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "participants": {
          "type": "array",
          "items": { "type": "string" }
        },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "common_prompt": { "type": "string" },
        "retry_policy": { "$ref": "#/$defs/retry" },
        "log_options": { "$ref": "#/$defs/log" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "role", "input_template"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "role": { "type": "string", "minLength": 1 },
        "input_template": { "type": "string" },
        "depend_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "outputs": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "fallback_role": { "type": "string" },
        "backoff": {
          "type": "string",
          "enum": ["none", "constant", "linear", "exponential"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "log": {
      "type": "object",
      "properties": {
        "debug_log": { "type": "boolean" },
        "dir": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// PayloadValidator validates raw definition payloads against the embedded
// JSON Schema before they are decoded. It is safe for concurrent use.
type PayloadValidator struct {
	compiled *jsonschema.Schema
}

// NewPayloadValidator compiles the definition schema.
func NewPayloadValidator() (*PayloadValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource("https://ensemble.dev/schemas/definition.json", doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}

	compiled, err := c.Compile("https://ensemble.dev/schemas/definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &PayloadValidator{compiled: compiled}, nil
}

// ValidatePayload validates a raw JSON payload against the definition schema.
func (v *PayloadValidator) ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "definition payload is empty")
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "definition payload is not valid JSON").WithCause(err)
	}

	if err := v.compiled.Validate(doc); err != nil {
		return toEnsembleError(err)
	}
	return nil
}

// ValidateDefinitionFile validates an already-decoded definition file by
// round-tripping it through JSON encoding.
func (v *PayloadValidator) ValidateDefinitionFile(file *schema.DefinitionFile) error {
	if file == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition file is nil")
	}
	b, err := json.Marshal(file)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition file").WithCause(err)
	}
	return v.ValidatePayload(b)
}

// toEnsembleError converts a jsonschema.ValidationError into an EnsembleError
// with clear, actionable messages for agent consumption.
func toEnsembleError(err error) *schema.EnsembleError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
