package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/pkg/schema"
)

func newValidator(t *testing.T) *SubmissionValidator {
	t.Helper()
	v, err := NewSubmissionValidator()
	require.NoError(t, err)
	return v
}

func TestValidateSubmission_Valid(t *testing.T) {
	v := newValidator(t)

	sub := &schema.WorkSubmission{
		Type:   "report.generate",
		Params: map[string]any{"format": "pdf"},
	}
	assert.NoError(t, v.ValidateSubmission(sub))
}

func TestValidateSubmission_WithToken(t *testing.T) {
	v := newValidator(t)

	// Token presence must not alter validation semantics.
	sub := &schema.WorkSubmission{
		Type:          "report.generate",
		Params:        map[string]any{"format": "pdf"},
		CallbackToken: []byte{0x01, 0x02, 0x03, 0x04},
		WorkflowID:    "wf-1",
		ActivityID:    "act-1",
	}
	assert.NoError(t, v.ValidateSubmission(sub))
}

func TestValidateSubmission_MissingType(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateSubmission(&schema.WorkSubmission{})
	require.Error(t, err)
	var he *schema.HandoffError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, schema.ErrCodeValidation, he.Code)
}

func TestValidateSubmission_Nil(t *testing.T) {
	v := newValidator(t)
	assert.Error(t, v.ValidateSubmission(nil))
}

func TestValidateParams_AgainstInputSchema(t *testing.T) {
	v := newValidator(t)

	inputSchema := []byte(`{
		"type": "object",
		"required": ["format"],
		"properties": {
			"format": {"type": "string", "enum": ["pdf", "csv"]}
		}
	}`)

	assert.NoError(t, v.ValidateParams(map[string]any{"format": "pdf"}, inputSchema))

	err := v.ValidateParams(map[string]any{"format": "xml"}, inputSchema)
	require.Error(t, err)

	err = v.ValidateParams(map[string]any{}, inputSchema)
	require.Error(t, err)
}

func TestValidateParams_NoSchema(t *testing.T) {
	v := newValidator(t)

	// No input schema means no validation.
	assert.NoError(t, v.ValidateParams(map[string]any{"anything": true}, nil))
}

func TestValidateParams_InvalidSchema(t *testing.T) {
	v := newValidator(t)

	err := v.ValidateParams(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
}

func TestValidateParams_CachesCompiledSchema(t *testing.T) {
	v := newValidator(t)

	inputSchema := []byte(`{"type": "object"}`)
	require.NoError(t, v.ValidateParams(map[string]any{}, inputSchema))
	require.NoError(t, v.ValidateParams(map[string]any{}, inputSchema))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
