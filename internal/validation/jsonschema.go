package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/handoff/pkg/schema"
)

// submissionSchemaJSON is the JSON Schema for the work submission envelope.
// Embedded as a constant to avoid filesystem dependencies. callback_token is
// deliberately unconstrained beyond being a string (base64 bytes on the
// wire): the token is opaque and never interpreted here.
const submissionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://handoff.dev/schemas/submission.json",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "minLength": 1
    },
    "params": {
      "type": "object"
    },
    "callback_token": {
      "type": "string"
    },
    "workflow_id": {
      "type": "string"
    },
    "activity_id": {
      "type": "string"
    }
  },
  "additionalProperties": false
}`

// SubmissionValidator validates work submissions using JSON Schema Draft
// 2020-12: the envelope against a built-in schema, and the params against
// the per-work-type input schema. It is safe for concurrent use.
type SubmissionValidator struct {
	envelopeSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSubmissionValidator creates a SubmissionValidator with the envelope
// schema pre-compiled.
func NewSubmissionValidator() (*SubmissionValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(submissionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal submission schema: %w", err)
	}
	if err := c.AddResource("https://handoff.dev/schemas/submission.json", doc); err != nil {
		return nil, fmt.Errorf("add submission schema resource: %w", err)
	}

	compiled, err := c.Compile("https://handoff.dev/schemas/submission.json")
	if err != nil {
		return nil, fmt.Errorf("compile submission schema: %w", err)
	}

	return &SubmissionValidator{
		envelopeSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateSubmission validates a work submission envelope.
func (v *SubmissionValidator) ValidateSubmission(sub *schema.WorkSubmission) error {
	if sub == nil {
		return schema.NewError(schema.ErrCodeValidation, "submission is nil")
	}

	doc, err := toJSONValue(sub)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize submission").WithCause(err)
	}

	if err := v.envelopeSchema.Validate(doc); err != nil {
		return toHandoffError(err)
	}
	return nil
}

// ValidateParams validates submission params against a work type's input
// schema, provided as raw JSON Schema bytes. The schema is compiled and
// cached for subsequent calls.
func (v *SubmissionValidator) ValidateParams(params map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert params to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize params").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toHandoffError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SubmissionValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("handoff://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newCompiler creates a Compiler configured for submission validation.
func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toHandoffError converts a jsonschema.ValidationError into a HandoffError
// with clear, actionable messages.
func toHandoffError(err error) *schema.HandoffError {
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
