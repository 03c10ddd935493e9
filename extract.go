package metaminer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Status is the overall outcome of extracting one unit.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusFailedWithDefaults Status = "failed-with-defaults"
	StatusFailed             Status = "failed"
)

// FieldError records why one field fell back to its default or to null.
type FieldError struct {
	Field string
	Kind  ErrorKind
	Raw   any
	Err   error
}

// ExtractionResult is the outcome for one unit. Fields always holds every
// schema field, with nil for unanswered fields without a default.
type ExtractionResult struct {
	SourceID    string
	Fields      map[string]any
	Status      Status
	FieldErrors []FieldError
	Err         error
	Metadata    map[string]any
}

// ErrorKind classifies the unit-level error, if any.
func (r ExtractionResult) ErrorKind() ErrorKind { return KindOf(r.Err) }

// Engine extracts one text against one schema. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	schema      *Schema
	invoker     Invoker
	prompts     PromptProvider
	model       Model
	retry       RetryPolicy
	temperature *float32
	log         *slog.Logger
}

// NewEngine binds schema to invoker.
func NewEngine(schema *Schema, invoker Invoker, optFns ...func(*Options)) (*Engine, error) {
	if schema == nil {
		return nil, ErrEmptySchema
	}
	if invoker == nil {
		return nil, fmt.Errorf("engine: invoker is nil")
	}
	opts := resolveOptions(optFns)
	if opts.Model == "" {
		return nil, fmt.Errorf("engine: %w", ErrModelMissing)
	}
	prompts := opts.Prompts
	if prompts == nil {
		prompts = DefaultPromptProvider()
	}
	return &Engine{
		schema:      schema,
		invoker:     invoker,
		prompts:     prompts,
		model:       Model(opts.Model),
		retry:       retryPolicyFrom(opts),
		temperature: opts.Temperature,
		log:         opts.Logger,
	}, nil
}

func (e *Engine) Schema() *Schema { return e.schema }
func (e *Engine) Model() Model    { return e.model }

// Extract runs one prompt for text and validates the answer.
func (e *Engine) Extract(ctx context.Context, text string) ExtractionResult {
	return e.extract(ctx, text, nil)
}

// BuildPrompt renders the extraction prompt for text.
func (e *Engine) BuildPrompt(text string) (string, error) {
	example, err := e.exampleResponse()
	if err != nil {
		return "", err
	}
	return e.prompts.RenderPrompt(ExtractPromptTag, map[string]any{
		"document":  text,
		"questions": QuestionLines(e.schema),
		"fields":    e.schema.Fields(),
		"example":   example,
	})
}

// QuestionLines formats one "- name (type): question" line per field, with
// the option list for enum and multi_enum fields.
func QuestionLines(s *Schema) []string {
	qs := s.Questions()
	lines := make([]string, len(qs))
	for i, q := range qs {
		line := fmt.Sprintf("- %s (%s): %s", q.FieldName, q.Type, q.Text)
		opts := q.Type.Options
		if q.Type.Kind == TypeList && q.Type.Elem != nil {
			opts = q.Type.Elem.Options
		}
		switch {
		case q.Type.Kind == TypeEnum:
			line += fmt.Sprintf("\n  Choose one from: [%s]", strings.Join(opts, ", "))
		case q.Type.Kind == TypeMultiEnum || len(opts) > 0:
			line += fmt.Sprintf("\n  Select all that apply from: [%s]", strings.Join(opts, ", "))
		}
		lines[i] = line
	}
	return lines
}

func (e *Engine) exampleResponse() (string, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, q := range e.schema.Questions() {
		if i > 0 {
			buf.WriteString(", ")
		}
		k, _ := json.Marshal(q.FieldName)
		buf.Write(k)
		buf.WriteString(": ")
		v, err := json.Marshal(exampleValue(q.Type))
		if err != nil {
			return "", err
		}
		buf.Write(v)
	}
	buf.WriteString("}")
	return buf.String(), nil
}

func exampleValue(t TypeDescriptor) any {
	switch t.Kind {
	case TypeInt:
		return 42
	case TypeFloat:
		return 3.14
	case TypeBool:
		return true
	case TypeDate:
		return "2024-01-31"
	case TypeDatetime:
		return "2024-01-31T09:30:00Z"
	case TypeEnum:
		return t.Options[0]
	case TypeMultiEnum:
		return t.Options[:1]
	case TypeList:
		elem := Primitive(TypeString)
		if t.Elem != nil {
			elem = *t.Elem
		}
		return []any{exampleValue(elem)}
	default:
		return "example answer"
	}
}

// extract is Extract with an optional gate run before every call attempt.
func (e *Engine) extract(ctx context.Context, text string, gate func(context.Context) error) ExtractionResult {
	if strings.TrimSpace(text) == "" {
		return e.failed(fmt.Errorf("extract: %w", ErrEmptyDocument))
	}

	prompt, err := e.BuildPrompt(text)
	if err != nil {
		return e.failed(fmt.Errorf("build prompt: %w", err))
	}
	e.log.Debug("Built extraction prompt", "fields", e.schema.Len(), "prompt_length", len(prompt), "document_length", len(text))

	policy := e.retry
	policy.Gate = gate

	var obj map[string]any
	attempts, err := policy.Do(ctx, e.log, func(callCtx context.Context) error {
		raw, genErr := e.invoker.Generate(callCtx, e.model, prompt,
			WithResponseSchema("extraction", e.schema.JSONSchemaBytes()),
			WithGenerateTemperature(e.temperature),
		)
		if genErr != nil {
			return genErr
		}
		parsed, parseErr := ParseResponse(raw, e.schema.Fields())
		if parseErr != nil {
			e.log.Debug("Unparseable response", "response_preview", string(raw)[:min(200, len(raw))])
			return parseErr
		}
		obj = parsed
		return nil
	})
	if err != nil {
		e.log.Debug("Extraction call failed", "attempts", attempts, "error", err)
		return e.failed(&CallFailureError{Attempts: attempts, Err: err})
	}

	if vErr := e.schema.Validate(obj); vErr != nil {
		e.log.Debug("Response deviates from schema, coercing per field", "error", vErr)
	}
	return e.validate(obj)
}

// validate coerces every field of a parsed response object.
func (e *Engine) validate(obj map[string]any) ExtractionResult {
	res := ExtractionResult{
		Fields: make(map[string]any, e.schema.Len()),
		Status: StatusOK,
	}
	for _, q := range e.schema.Questions() {
		raw, present := lookupField(obj, q.FieldName)
		val, err := Coerce(q.Type, raw)
		if err == nil {
			res.Fields[q.FieldName] = val
			continue
		}

		verr, ok := err.(*ValidationError)
		if !ok {
			verr = &ValidationError{Type: q.Type.String(), Raw: raw, Reason: err.Error()}
		}
		verr.Field = q.FieldName
		if !present {
			verr.Reason = "missing from response"
		}
		res.FieldErrors = append(res.FieldErrors, FieldError{Field: q.FieldName, Kind: KindValidation, Raw: raw, Err: verr})
		res.Status = StatusFailedWithDefaults
		if q.HasDefault {
			res.Fields[q.FieldName] = cloneValue(q.Default)
		} else {
			res.Fields[q.FieldName] = nil
		}
		e.log.Debug("Field fell back", "field", q.FieldName, "has_default", q.HasDefault, "error", verr)
	}
	return res
}

// failed builds a failed result whose fields hold defaults or null.
func (e *Engine) failed(err error) ExtractionResult {
	return failedResult(e.schema, err)
}

func failedResult(s *Schema, err error) ExtractionResult {
	fields := make(map[string]any, s.Len())
	for _, q := range s.Questions() {
		if q.HasDefault {
			fields[q.FieldName] = cloneValue(q.Default)
		} else {
			fields[q.FieldName] = nil
		}
	}
	return ExtractionResult{Fields: fields, Status: StatusFailed, Err: err}
}
