package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// runcardSchemaJSON is the JSON Schema for runcard documents.
// Embedded as a constant to avoid filesystem dependencies.
const runcardSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runcard.dev/schemas/runcard.json",
  "type": "object",
  "required": ["version", "actions"],
  "properties": {
    "version": { "const": 1 },
    "vars": { "type": "object" },
    "app": {
      "type": "object",
      "properties": {
        "env": { "type": "object", "additionalProperties": { "type": "string" } },
        "workdir": { "type": "string" },
        "shell": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "runtime": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["executable"],
        "properties": {
          "executable": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "actions": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": { "$ref": "#/$defs/action" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": { "type": "string", "minLength": 1 },
        "form": { "$ref": "#/$defs/form" },
        "pipeline": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "run": { "$ref": "#/$defs/run" },
        "on_error": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "form": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "fields": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "label": { "type": "string" },
              "type": { "type": "string", "enum": ["string", "int", "float", "bool", "list", "path"] },
              "default": {},
              "widget": { "type": "string" },
              "options": { "type": "array" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "when": { "type": ["string", "boolean"] },
        "continue_on_error": { "type": "boolean" },
        "run": { "$ref": "#/$defs/run" },
        "pipeline": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "foreach": { "$ref": "#/$defs/foreach" }
      },
      "additionalProperties": false
    },
    "foreach": {
      "type": "object",
      "required": ["in", "steps"],
      "properties": {
        "in": {},
        "as": { "type": "string", "minLength": 1 },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "run": {
      "type": "object",
      "required": ["program"],
      "properties": {
        "program": { "type": "string", "minLength": 1 },
        "argv": {
          "type": "array",
          "items": { "$ref": "#/$defs/argv_entry" }
        },
        "env": { "type": "object", "additionalProperties": { "type": "string" } },
        "workdir": { "type": "string" },
        "shell": { "type": "boolean" },
        "stdout": { "$ref": "#/$defs/stream_mode" },
        "stderr": { "$ref": "#/$defs/stream_mode" },
        "timeout_ms": { "type": "integer", "minimum": 1 },
        "capture": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "stream_mode": {
      "type": "string",
      "pattern": "^(capture|inherit|file:.+)$"
    },
    "argv_entry": {
      "anyOf": [
        { "type": ["string", "number", "boolean"] },
        { "$ref": "#/$defs/argv_option" },
        {
          "type": "object",
          "minProperties": 1,
          "maxProperties": 1,
          "not": { "required": ["opt"] }
        }
      ]
    },
    "argv_option": {
      "type": "object",
      "required": ["opt"],
      "properties": {
        "opt": { "type": "string", "minLength": 1 },
        "from": {},
        "mode": { "type": "string", "enum": ["auto", "flag", "value", "repeat", "join"] },
        "style": { "type": "string", "enum": ["separate", "equals"] },
        "template": { "type": "string" },
        "joiner": { "type": "string" },
        "false_opt": { "type": "string" },
        "omit_if_empty": { "type": "boolean" },
        "when": { "type": ["string", "boolean"] }
      },
      "additionalProperties": false
    }
  }
}`

var runcardSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(runcardSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal runcard schema: %v", err))
	}
	if err := c.AddResource("https://runcard.dev/schemas/runcard.json", doc); err != nil {
		panic(fmt.Sprintf("add runcard schema resource: %v", err))
	}
	compiled, err := c.Compile("https://runcard.dev/schemas/runcard.json")
	if err != nil {
		panic(fmt.Sprintf("compile runcard schema: %v", err))
	}
	return compiled
}

// LoadFile reads, parses, and validates a runcard YAML file.
func LoadFile(path string) (*Runcard, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeConfig, "read %s: %v", path, err).WithCause(err)
	}
	return Parse(data)
}

// Parse parses and validates a runcard document.
func Parse(data []byte) (*Runcard, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewError(ErrCodeConfig, "invalid YAML").WithCause(err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, NewError(ErrCodeConfig, "runcard root must be a mapping")
	}

	doc, err := toJSONValue(raw)
	if err != nil {
		return nil, NewError(ErrCodeConfig, "cannot serialize document for validation").WithCause(err)
	}
	if err := runcardSchema.Validate(doc); err != nil {
		return nil, toSchemaError(err)
	}

	var rc Runcard
	if err := yaml.Unmarshal(data, &rc); err != nil {
		if se, ok := err.(*Error); ok {
			return nil, se
		}
		return nil, NewError(ErrCodeConfig, "invalid runcard document").WithCause(err)
	}
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Validate applies the structural checks JSON Schema cannot express.
func (rc *Runcard) Validate() error {
	if rc.Version != 1 {
		return NewErrorf(ErrCodeConfig, "unsupported version %d (only version 1 is supported)", rc.Version)
	}
	if len(rc.Actions) == 0 {
		return NewError(ErrCodeConfig, "actions must be a non-empty map")
	}
	for id, action := range rc.Actions {
		if action == nil {
			return NewErrorf(ErrCodeConfig, "action %s must be a map", id)
		}
		if action.Title == "" {
			return NewErrorf(ErrCodeConfig, "action %s requires a title", id)
		}
		if action.Pipeline == nil && action.Run == nil {
			return NewErrorf(ErrCodeConfig, "action %s requires pipeline or run", id)
		}
		if err := validateSteps(id, action.Pipeline); err != nil {
			return err
		}
		if err := validateSteps(id, action.OnError); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(actionID string, steps []*Step) error {
	for _, step := range steps {
		kinds := 0
		if step.Run != nil {
			kinds++
		}
		if step.Pipeline != nil {
			kinds++
		}
		if step.Foreach != nil {
			kinds++
		}
		if kinds != 1 {
			return NewErrorf(ErrCodeConfig,
				"action %s: step %s must declare exactly one of run, pipeline, foreach", actionID, stepLabel(step))
		}
		if step.Pipeline != nil {
			if err := validateSteps(actionID, step.Pipeline); err != nil {
				return err
			}
		}
		if step.Foreach != nil {
			if err := validateSteps(actionID, step.Foreach.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}

func stepLabel(step *Step) string {
	if step.ID != "" {
		return step.ID
	}
	return "(unnamed)"
}

// toJSONValue round-trips a Go value through JSON encoding so numeric
// values become json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a config
// Error with the leaf violations collected into details.
func toSchemaError(err error) *Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return NewError(ErrCodeConfig, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return NewError(ErrCodeConfig, verr.Error())
	}
	return NewError(ErrCodeConfig, violations[0]).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks the validation error tree gathering leaf messages
// with their instance locations.
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
