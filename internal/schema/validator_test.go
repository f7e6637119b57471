package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const objectSchema = `{
	"type": "object",
	"properties": {
		"network": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["network"]
}`

func TestCompile_Valid(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Compile(json.RawMessage(objectSchema)))
	require.NoError(t, v.Compile(json.RawMessage(`{"type":"object"}`)))
}

func TestCompile_Invalid(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"not an object", `"just a string"`},
		{"array document", `[1,2,3]`},
		{"bad keyword value", `{"type": 42}`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Compile(json.RawMessage(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestValidate_Conforming(t *testing.T) {
	v := NewValidator()

	err := v.Validate(
		json.RawMessage(objectSchema),
		json.RawMessage(`{"network":"eth","limit":5}`),
	)
	require.NoError(t, err)
}

func TestValidate_Violations(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		value string
	}{
		{"missing required", `{"limit":5}`},
		{"wrong type", `{"network":123}`},
		{"below minimum", `{"network":"eth","limit":0}`},
		{"not an object", `"nope"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(json.RawMessage(objectSchema), json.RawMessage(tt.value))
			assert.ErrorIs(t, err, ErrViolation)
		})
	}
}

func TestValidate_CachesCompiledSchema(t *testing.T) {
	v := NewValidator()

	// Same schema twice should hit the cache on the second call.
	require.NoError(t, v.Validate(json.RawMessage(objectSchema), json.RawMessage(`{"network":"a"}`)))
	require.NoError(t, v.Validate(json.RawMessage(objectSchema), json.RawMessage(`{"network":"b"}`)))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.compiled, 1)
}
