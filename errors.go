package metaminer

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidTypeSpec is returned when a type expression cannot be parsed.
var ErrInvalidTypeSpec = errors.New("invalid type spec")
var ErrInvalidDefault = errors.New("invalid default value")
var ErrValidationFailure = errors.New("validation failure")
var ErrCallFailure = errors.New("llm call failed")
var ErrDocumentRead = errors.New("document read failed")

// ErrEmptyDocument is returned when the source text is empty after trimming.
var ErrEmptyDocument = errors.New("document text is empty")
var ErrEmptySchema = errors.New("schema has no questions")
var ErrDuplicateField = errors.New("duplicate field name")
var ErrModelMissing = errors.New("model not specified")
var ErrUnsupportedQuestionFile = errors.New("unsupported question file")
var ErrUnparseableResponse = errors.New("response could not be parsed")

// ErrorKind classifies an error for reporting alongside results.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindInvalidTypeSpec ErrorKind = "InvalidTypeSpec"
	KindInvalidDefault  ErrorKind = "InvalidDefault"
	KindValidation      ErrorKind = "ValidationFailure"
	KindCallFailure     ErrorKind = "CallFailure"
	KindDocumentRead    ErrorKind = "DocumentReadError"
	KindCanceled        ErrorKind = "Canceled"
	KindUnknown         ErrorKind = "Unknown"
)

// KindOf maps err to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidTypeSpec):
		return KindInvalidTypeSpec
	case errors.Is(err, ErrInvalidDefault):
		return KindInvalidDefault
	case errors.Is(err, ErrValidationFailure):
		return KindValidation
	case errors.Is(err, ErrDocumentRead), errors.Is(err, ErrEmptyDocument):
		return KindDocumentRead
	case errors.Is(err, ErrCallFailure):
		return KindCallFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// InvalidTypeSpecError reports a malformed type expression.
type InvalidTypeSpecError struct {
	Expr   string
	Reason string
}

func (e *InvalidTypeSpecError) Error() string {
	return fmt.Sprintf("invalid type spec %q: %s", e.Expr, e.Reason)
}

func (e *InvalidTypeSpecError) Unwrap() error { return ErrInvalidTypeSpec }

// InvalidDefaultError names the question whose default does not satisfy its type.
type InvalidDefaultError struct {
	Question string
	Value    string
	Err      error
}

func (e *InvalidDefaultError) Error() string {
	return fmt.Sprintf("invalid default %q for question %q: %v", e.Value, e.Question, e.Err)
}

func (e *InvalidDefaultError) Unwrap() []error { return []error{ErrInvalidDefault, e.Err} }

// ValidationError is a single field's candidate value failing its type.
type ValidationError struct {
	Field  string
	Type   string
	Raw    any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: value %v is not a valid %s: %s", e.Field, e.Raw, e.Type, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailure }

// CallFailureError wraps the last error of an LLM call after retries.
type CallFailureError struct {
	Attempts int
	Err      error
}

func (e *CallFailureError) Error() string {
	return fmt.Sprintf("llm call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CallFailureError) Unwrap() []error { return []error{ErrCallFailure, e.Err} }

// DocumentReadError reports a failure to turn a file into text.
type DocumentReadError struct {
	Path string
	Err  error
}

func (e *DocumentReadError) Error() string {
	return fmt.Sprintf("read document %s: %v", e.Path, e.Err)
}

func (e *DocumentReadError) Unwrap() []error { return []error{ErrDocumentRead, e.Err} }
