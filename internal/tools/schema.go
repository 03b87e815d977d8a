// ABOUTME: JSON schema for tool parameters, compiled lazily with santhosh-tekuri/jsonschema.
// ABOUTME: Failures are reported as a ValidationError naming the offending field.

package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Schema describes a tool's parameters. Only the fields below are
// advertised to callers, but validation honors the whole draft 2020-12
// vocabulary of the compiled document.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	Default     any                `json:"default,omitempty"`

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// ValidationError names the parameter that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid parameters: " + e.Reason
	}
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}

var printer = message.NewPrinter(language.English)

// MustSchema parses and compiles a schema literal and panics on error. Use
// only for static catalog definitions.
func MustSchema(src string) *Schema {
	var s Schema
	if err := json.Unmarshal([]byte(src), &s); err != nil {
		panic(fmt.Sprintf("tools: invalid schema: %v", err))
	}
	if _, err := s.compile(); err != nil {
		panic(fmt.Sprintf("tools: invalid schema: %v", err))
	}
	return &s
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		raw, err := json.Marshal(s)
		if err != nil {
			s.err = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			s.err = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("tool.json", doc); err != nil {
			s.err = err
			return
		}
		s.compiled, s.err = c.Compile("tool.json")
	})
	return s.compiled, s.err
}

// Validate checks params against the schema. A nil schema accepts anything.
func (s *Schema) Validate(params map[string]any) error {
	if s == nil {
		return nil
	}
	compiled, err := s.compile()
	if err != nil {
		return &ValidationError{Reason: "tool schema does not compile: " + err.Error()}
	}
	if params == nil {
		params = map[string]any{}
	}
	err = compiled.Validate(any(params))
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &ValidationError{Reason: err.Error()}
	}
	leaf := deepest(verr)
	field := fieldPath(params, leaf.InstanceLocation)
	if req, ok := leaf.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		return &ValidationError{Field: joinField(field, req.Missing[0]), Reason: "is required"}
	}
	return &ValidationError{Field: field, Reason: leaf.ErrorKind.LocalizedString(printer)}
}

// deepest follows the first cause down to the most specific failure.
func deepest(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	return e
}

// fieldPath renders an instance location as "opts.deep" or "tags[1]".
func fieldPath(params map[string]any, loc []string) string {
	var b strings.Builder
	var cur any = params
	for _, tok := range loc {
		switch v := cur.(type) {
		case []any:
			b.WriteString("[" + tok + "]")
			if i, err := strconv.Atoi(tok); err == nil && i >= 0 && i < len(v) {
				cur = v[i]
			} else {
				cur = nil
			}
		case map[string]any:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(tok)
			cur = v[tok]
		default:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(tok)
			cur = nil
		}
	}
	return b.String()
}

func joinField(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
