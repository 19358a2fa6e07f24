package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Shape is a validated structural contract for step inputs and outputs,
// expressed as a JSON schema and compiled once.
//
// Example:
//
//	inShape := flow.MustShape(`{
//	    "type": "object",
//	    "properties": {"query": {"type": "string", "minLength": 1}},
//	    "required": ["query"]
//	}`)
type Shape struct {
	source string
	schema *gojsonschema.Schema
}

// NewShape compiles a JSON schema into a Shape.
func NewShape(source string) (*Shape, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("compile shape: %w", err)
	}
	return &Shape{source: source, schema: schema}, nil
}

// MustShape compiles a JSON schema, panicking on error. For package-level
// shape declarations.
func MustShape(source string) *Shape {
	s, err := NewShape(source)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks v against the shape. v may be any JSON-marshalable Go
// value or a json.RawMessage. Returns a description of every violation
// on failure.
func (s *Shape) Validate(v any) error {
	loader, err := loaderFor(v)
	if err != nil {
		return err
	}

	result, err := s.schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("validate against shape: %w", err)
	}
	if result.Valid() {
		return nil
	}
	return fmt.Errorf("%s", formatViolations(result))
}

// validateResumeData checks caller-supplied resume data against a stored
// resume schema source, compiling the schema on demand.
func validateResumeData(schemaSource string, data json.RawMessage) error {
	if schemaSource == "" {
		return nil
	}

	loader, err := loaderFor(data)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schemaSource), loader)
	if err != nil {
		return fmt.Errorf("validate resume data: %w", err)
	}
	if result.Valid() {
		return nil
	}
	return fmt.Errorf("%s", formatViolations(result))
}

func loaderFor(v any) (gojsonschema.JSONLoader, error) {
	switch val := v.(type) {
	case json.RawMessage:
		return gojsonschema.NewBytesLoader(val), nil
	case []byte:
		return gojsonschema.NewBytesLoader(val), nil
	default:
		// Round-trip through JSON so any Go value is validated by its
		// serialized form, which is what crosses step boundaries.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value for validation: %w", err)
		}
		return gojsonschema.NewBytesLoader(data), nil
	}
}

func formatViolations(result *gojsonschema.Result) string {
	parts := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		parts = append(parts, desc.String())
	}
	return strings.Join(parts, "; ")
}
