package grading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrPayloadSchema wraps schema violations of a submission payload.
var ErrPayloadSchema = errors.New("submission payload violates schema")

// PayloadValidator checks submission payloads against an optional JSON schema. A nil
// validator accepts every well-formed JSON document.
type PayloadValidator struct {
	schema *jsonschema.Schema
}

// NewPayloadValidator compiles the schema at path. An empty path yields a nil validator.
func NewPayloadValidator(path string) (*PayloadValidator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve payload schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + filepath.ToSlash(abs))
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &PayloadValidator{schema: schema}, nil
}

// NewPayloadValidatorFromString compiles an inline schema document.
func NewPayloadValidatorFromString(schema string) (*PayloadValidator, error) {
	compiled, err := jsonschema.CompileString("payload.schema.json", schema)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return &PayloadValidator{schema: compiled}, nil
}

// Validate decodes payload and checks it against the schema.
func (v *PayloadValidator) Validate(payload json.RawMessage) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if document == nil {
		return fmt.Errorf("%w: payload is null", ErrMalformedPayload)
	}

	if v == nil || v.schema == nil {
		return nil
	}
	if err := v.schema.Validate(document); err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadSchema, err)
	}
	return nil
}
