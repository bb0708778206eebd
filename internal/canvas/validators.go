package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://canvas.schemas.local/cards/%s.schema.json"

const sessionPlanSchema = `{
  "type": "object",
  "required": ["exercises"],
  "properties": {
    "title": {"type": "string"},
    "exercises": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["exercise_id", "sets"],
        "properties": {
          "exercise_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "sets": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["target"],
              "properties": {
                "target": {"$ref": "#/$defs/setValues"},
                "actual": {"oneOf": [{"type": "null"}, {"$ref": "#/$defs/setValues"}]},
                "status": {"enum": ["planned", "done"]}
              }
            }
          }
        }
      }
    }
  },
  "$defs": {
    "setValues": {
      "type": "object",
      "required": ["reps", "rir", "weight"],
      "properties": {
        "reps": {"type": "integer", "minimum": 0, "maximum": 100},
        "rir": {"type": "integer", "minimum": 0, "maximum": 10},
        "weight": {"type": "number", "minimum": 0, "maximum": 1000}
      }
    }
  }
}`

const targetSchema = `{
  "type": "object",
  "properties": {
    "reps": {"type": "integer", "minimum": 0, "maximum": 100},
    "rir": {"type": "integer", "minimum": 0, "maximum": 10},
    "weight": {"type": "number", "minimum": 0, "maximum": 1000},
    "note": {"type": "string", "maxLength": 4000}
  }
}`

// ContentValidators checks card content against the schema registered for its type.
// Types without a schema only need a JSON object.
type ContentValidators struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewContentValidators returns a registry preloaded with the session_plan and target schemas.
func NewContentValidators() (*ContentValidators, error) {
	validators := &ContentValidators{schemas: make(map[string]*jsonschema.Schema)}
	if err := validators.Register(CardTypeSessionPlan, sessionPlanSchema); err != nil {
		return nil, err
	}
	if err := validators.Register(CardTypeTarget, targetSchema); err != nil {
		return nil, err
	}
	return validators, nil
}

// Register compiles schema and binds it to cardType, replacing any earlier schema.
func (validators *ContentValidators) Register(cardType string, schema string) error {
	cardType = strings.TrimSpace(cardType)
	if cardType == "" {
		return fmt.Errorf("content validators: card type is required")
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf(schemaBaseURL, cardType)
	if err := compiler.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("content schema %s load failed: %w", cardType, err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("content schema %s compile failed: %w", cardType, err)
	}
	validators.mu.Lock()
	validators.schemas[cardType] = compiled
	validators.mu.Unlock()
	return nil
}

// Validate reports a VALIDATION_ERROR when content is not an object or violates the type's schema.
func (validators *ContentValidators) Validate(cardType string, content json.RawMessage) *Error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return validationCause(fmt.Sprintf("content of %s card is not valid JSON", cardType), err)
	}
	if _, ok := document.(map[string]any); !ok {
		return validationError("content of %s card must be a JSON object", cardType)
	}
	if validators == nil {
		return nil
	}
	validators.mu.RLock()
	schema := validators.schemas[cardType]
	validators.mu.RUnlock()
	if schema == nil {
		return nil
	}
	if err := schema.Validate(document); err != nil {
		return validationCause(fmt.Sprintf("content of %s card does not match its schema", cardType), err)
	}
	return nil
}
