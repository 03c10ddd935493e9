package metaminer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema is the ordered, immutable set of questions an Inquiry answers.
type Schema struct {
	questions []Question
	index     map[string]int
	doc       []byte // JSON Schema document
	compiled  *jsonschema.Schema
}

// BuildSchema validates questions and compiles the record schema.
// The same question sequence always yields fields in the same order.
func BuildSchema(questions []Question) (*Schema, error) {
	if len(questions) == 0 {
		return nil, ErrEmptySchema
	}
	s := &Schema{
		questions: make([]Question, len(questions)),
		index:     make(map[string]int, len(questions)),
	}
	for i, q := range questions {
		if !identifierRe.MatchString(q.FieldName) {
			return nil, fmt.Errorf("question %q: field name %q is not an identifier", q.Text, q.FieldName)
		}
		if slices.Contains(reservedFieldNames, q.FieldName) {
			return nil, fmt.Errorf("%w: %s is a reserved column", ErrDuplicateField, q.FieldName)
		}
		if _, dup := s.index[q.FieldName]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, q.FieldName)
		}
		if err := checkDescriptor(q.Type, false); err != nil {
			return nil, fmt.Errorf("question %q: %w", q.Text, err)
		}
		if q.HasDefault {
			if _, err := Coerce(q.Type, q.Default); err != nil {
				return nil, &InvalidDefaultError{Question: q.Text, Value: fmt.Sprint(q.Default), Err: err}
			}
		}
		s.index[q.FieldName] = i
		s.questions[i] = q.clone()
	}

	doc, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	s.doc = doc
	s.compiled = compiled
	return s, nil
}

func checkDescriptor(t TypeDescriptor, inList bool) error {
	switch t.Kind {
	case TypeEnum, TypeMultiEnum:
		if len(t.Options) == 0 {
			return &InvalidTypeSpecError{Expr: t.String(), Reason: "empty option list"}
		}
	case TypeList:
		if inList {
			return &InvalidTypeSpecError{Expr: t.String(), Reason: "lists of lists are not supported"}
		}
		if t.Elem != nil {
			return checkDescriptor(*t.Elem, true)
		}
	default:
		if !t.IsPrimitive() {
			return &InvalidTypeSpecError{Expr: t.String(), Reason: "unknown kind"}
		}
	}
	return nil
}

// Questions returns a deep copy of the questions in field order.
func (s *Schema) Questions() []Question {
	out := make([]Question, len(s.questions))
	for i, q := range s.questions {
		out[i] = q.clone()
	}
	return out
}

// Fields returns the field names in order.
func (s *Schema) Fields() []string {
	out := make([]string, len(s.questions))
	for i, q := range s.questions {
		out[i] = q.FieldName
	}
	return out
}

func (s *Schema) Len() int { return len(s.questions) }

// Question looks a question up by field name.
func (s *Schema) Question(field string) (Question, bool) {
	i, ok := s.index[field]
	if !ok {
		return Question{}, false
	}
	return s.questions[i].clone(), true
}

// JSONSchema renders the record shape as a JSON Schema object. Every
// property is nullable because unanswerable questions come back as null.
func (s *Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.questions))
	required := make([]string, 0, len(s.questions))
	for _, q := range s.questions {
		p := typeSchema(q.Type, true)
		p["description"] = q.Text
		props[q.FieldName] = p
		required = append(required, q.FieldName)
	}
	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": true,
	}
}

// JSONSchemaBytes returns the compiled schema document.
func (s *Schema) JSONSchemaBytes() []byte { return s.doc }

// Validate checks a decoded response object against the compiled schema.
// Extraction treats a mismatch as a hint only; per-field coercion decides.
func (s *Schema) Validate(obj map[string]any) error {
	if err := s.compiled.Validate(obj); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

func typeSchema(t TypeDescriptor, nullable bool) map[string]any {
	typ := func(name string) any {
		if nullable {
			return []any{name, "null"}
		}
		return name
	}
	switch t.Kind {
	case TypeInt:
		return map[string]any{"type": typ("integer")}
	case TypeFloat:
		return map[string]any{"type": typ("number")}
	case TypeBool:
		return map[string]any{"type": typ("boolean")}
	case TypeDate:
		return map[string]any{"type": typ("string"), "format": "date"}
	case TypeDatetime:
		return map[string]any{"type": typ("string"), "format": "date-time"}
	case TypeEnum:
		opts := make([]any, 0, len(t.Options)+1)
		for _, o := range t.Options {
			opts = append(opts, o)
		}
		if nullable {
			opts = append(opts, nil)
		}
		return map[string]any{"type": typ("string"), "enum": opts}
	case TypeMultiEnum:
		return map[string]any{
			"type":        typ("array"),
			"items":       typeSchema(Enum(t.Options...), false),
			"uniqueItems": true,
		}
	case TypeList:
		elem := Primitive(TypeString)
		if t.Elem != nil {
			elem = *t.Elem
		}
		return map[string]any{"type": typ("array"), "items": typeSchema(elem, false)}
	default:
		return map[string]any{"type": typ("string")}
	}
}
