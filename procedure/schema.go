package procedure

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is a compiled JSON Schema used to validate procedure inputs,
	// outputs, and await-node event payloads.
	Schema struct {
		raw      json.RawMessage
		compiled *jsonschema.Schema
	}

	// FieldIssue describes a single validation failure. Field is a JSON
	// pointer into the offending value; Constraint is the schema keyword path
	// that failed.
	FieldIssue struct {
		Field      string
		Constraint string
		Message    string
	}

	// ValidationError reports that a value did not satisfy a schema. It
	// carries one issue per failing leaf constraint.
	ValidationError struct {
		Issues []FieldIssue
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		field := is.Field
		if field == "" {
			field = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", field, is.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// CompileSchema compiles a JSON Schema document. The raw bytes are retained
// so contracts can be serialized and compared.
func CompileSchema(raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, errors.New("schema document is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{raw: append(json.RawMessage(nil), raw...), compiled: compiled}, nil
}

// MustSchema compiles a JSON Schema document and panics on error. Intended
// for package-level contract declarations.
func MustSchema(raw string) *Schema {
	s, err := CompileSchema([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the original schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks value against the schema and returns a *ValidationError on
// mismatch. The value is normalized through a JSON round-trip first so Go
// scalar types (int, float32, typed maps) validate the same way their wire
// form would.
func (s *Schema) Validate(value any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	normalized, err := normalizeJSON(value)
	if err != nil {
		return &ValidationError{Issues: []FieldIssue{{Message: err.Error()}}}
	}
	if err := s.compiled.Validate(normalized); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return &ValidationError{Issues: collectIssues(verr)}
		}
		return &ValidationError{Issues: []FieldIssue{{Message: err.Error()}}}
	}
	return nil
}

func normalizeJSON(value any) (any, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// collectIssues flattens a jsonschema validation error tree into leaf issues.
func collectIssues(err *jsonschema.ValidationError) []FieldIssue {
	if len(err.Causes) == 0 {
		issue := FieldIssue{
			Field:   pointer(err.InstanceLocation),
			Message: err.Error(),
		}
		if err.ErrorKind != nil {
			issue.Constraint = strings.Join(err.ErrorKind.KeywordPath(), "/")
		}
		return []FieldIssue{issue}
	}
	var issues []FieldIssue
	for _, cause := range err.Causes {
		issues = append(issues, collectIssues(cause)...)
	}
	return issues
}

func pointer(segments []string) string {
	if len(segments) == 0 {
		return ""
	}
	return "/" + strings.Join(segments, "/")
}
