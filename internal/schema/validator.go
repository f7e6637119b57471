// ABOUTME: JSON Schema compilation and validation for tool inputs and outputs.
// ABOUTME: Caches compiled schemas so hot tools do not recompile per call.

package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validation errors
var (
	// ErrInvalidSchema indicates the schema document itself does not parse
	// or compile as a valid JSON Schema.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrViolation indicates a value does not conform to its schema.
	ErrViolation = errors.New("schema violation")
)

// maxCachedSchemas bounds the compiled-schema cache. When exceeded the cache
// is dropped wholesale; recompilation is cheap relative to unbounded growth.
const maxCachedSchemas = 512

// Validator compiles JSON Schema documents and validates JSON values against
// them. Safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema // keyed by schema content hash
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Compile checks that raw is a valid JSON Schema document and caches the
// compiled form. The document must be a JSON object; anything that fails to
// parse or compile returns ErrInvalidSchema.
func (v *Validator) Compile(raw json.RawMessage) error {
	_, err := v.compile(raw)
	return err
}

// Validate checks value against the schema document raw.
// Returns ErrInvalidSchema if the schema is unusable, ErrViolation if the
// value does not conform.
func (v *Validator) Validate(raw json.RawMessage, value json.RawMessage) error {
	sch, err := v.compile(raw)
	if err != nil {
		return err
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("%w: value is not valid JSON: %v", ErrViolation, err)
	}

	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrViolation, err)
	}
	return nil
}

func (v *Validator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSchema)
	}

	key := hashSchema(raw)

	v.mu.RLock()
	sch, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if _, isObject := doc.(map[string]any); !isObject {
		return nil, fmt.Errorf("%w: schema must be a JSON object", ErrInvalidSchema)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	sch, err = c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	v.mu.Lock()
	if len(v.compiled) >= maxCachedSchemas {
		v.compiled = make(map[string]*jsonschema.Schema)
	}
	v.compiled[key] = sch
	v.mu.Unlock()

	return sch, nil
}

func hashSchema(raw json.RawMessage) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
