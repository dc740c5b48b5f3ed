// Package schema implements the JSON-Schema-like type descriptors attached
// to nodeflow ports.
//
// A Schema can produce a structurally valid default value (Default) and
// validate arbitrary values (Validate). Validation is delegated to
// santhosh-tekuri/jsonschema; default generation follows the descriptor's
// "default", "const", "enum" and "type" keywords.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidSchema indicates the descriptor itself could not be compiled.
var ErrInvalidSchema = errors.New("invalid schema")

// Schema is an immutable JSON-Schema-like descriptor.
// The zero value and nil both accept any value.
type Schema struct {
	raw map[string]any

	once       sync.Once
	compiled   *jsonschema.Schema
	compileErr error
}

// New wraps a decoded descriptor. The map must not be modified afterwards.
func New(raw map[string]any) *Schema {
	return &Schema{raw: raw}
}

// Parse decodes a JSON descriptor.
func Parse(data []byte) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return New(raw), nil
}

// MustParse is Parse for package-level descriptors. It panics on error.
func MustParse(data string) *Schema {
	s, err := Parse([]byte(data))
	if err != nil {
		panic(fmt.Sprintf("schema: %v", err))
	}
	return s
}

// Any returns a schema that accepts every value.
func Any() *Schema {
	return New(map[string]any{})
}

// Raw returns the underlying descriptor. Callers must not modify it.
func (s *Schema) Raw() map[string]any {
	if s == nil {
		return nil
	}
	return s.raw
}

// Type returns the descriptor's primary type, or "" when unspecified.
// For a list of types the first non-null entry is returned.
func (s *Schema) Type() string {
	if s == nil {
		return ""
	}
	return primaryType(s.raw)
}

// Property returns the sub-schema for an object property, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil {
		return nil
	}
	props, ok := s.raw["properties"].(map[string]any)
	if !ok {
		return nil
	}
	sub, ok := props[name].(map[string]any)
	if !ok {
		return nil
	}
	return New(sub)
}

// Equal reports whether two descriptors are structurally identical.
func (s *Schema) Equal(other *Schema) bool {
	return reflect.DeepEqual(s.Raw(), other.Raw())
}

// MarshalJSON implements json.Marshaler.
func (s *Schema) MarshalJSON() ([]byte, error) {
	if s == nil || s.raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// Validate checks v against the descriptor.
// Returns *ValidationError when v does not conform.
func (s *Schema) Validate(v any) error {
	if s == nil || len(s.raw) == 0 {
		return nil
	}
	compiled, err := s.compile()
	if err != nil {
		return err
	}

	normalized, err := normalize(v)
	if err != nil {
		return &ValidationError{Message: "value is not JSON-encodable", Err: err}
	}

	if err := compiled.Validate(normalized); err != nil {
		verr := &ValidationError{Message: err.Error(), Err: err}
		var jerr *jsonschema.ValidationError
		if errors.As(err, &jerr) {
			verr.Path = jerr.InstanceLocation
			verr.Message = leafMessage(jerr)
		}
		return verr
	}
	return nil
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		data, err := json.Marshal(s.raw)
		if err != nil {
			s.compileErr = fmt.Errorf("%w: %v", ErrInvalidSchema, err)
			return
		}
		compiled, err := jsonschema.CompileString("nodeflow-port.json", string(data))
		if err != nil {
			s.compileErr = fmt.Errorf("%w: %v", ErrInvalidSchema, err)
			return
		}
		s.compiled = compiled
	})
	return s.compiled, s.compileErr
}

// normalize round-trips v through JSON so the validator only sees
// decoded JSON types.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// leafMessage returns the most specific cause message.
func leafMessage(err *jsonschema.ValidationError) string {
	for len(err.Causes) > 0 {
		err = err.Causes[0]
	}
	return err.Message
}

func primaryType(raw map[string]any) string {
	switch t := raw["type"].(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if name, ok := item.(string); ok && name != "null" {
				return name
			}
		}
	}
	return ""
}

// ValidationError reports a value that does not conform to a schema.
type ValidationError struct {
	// Path is the JSON pointer of the offending value ("" for the root).
	Path string
	// Message describes the violation.
	Message string
	// Err is the underlying validator error.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("validation error at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
