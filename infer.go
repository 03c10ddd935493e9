package metaminer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TypeSuggestion is an advisory type for one question.
type TypeSuggestion struct {
	Question      string
	FieldName     string
	SuggestedType TypeDescriptor
	Reasoning     string
	Alternatives  []TypeDescriptor
	Heuristic     bool // true when no model answer was used
}

const suggestionSchemaDoc = `{
  "type": "object",
  "required": ["suggestions"],
  "properties": {
    "suggestions": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["suggested_type"],
        "properties": {
          "field_name": {"type": ["string", "null"]},
          "suggested_type": {"type": "string", "minLength": 1},
          "reasoning": {"type": ["string", "null"]},
          "alternatives": {"type": ["array", "null"], "items": {"type": "string"}}
        }
      }
    }
  }
}`

var suggestionSchema = jsonschema.MustCompileString("suggestions.json", suggestionSchemaDoc)

const inferTemperature float32 = 0.1

// TypeInferrer asks the model for a type per question and falls back to a
// keyword heuristic whenever the answer cannot be used. It never fails.
type TypeInferrer struct {
	invoker Invoker
	prompts PromptProvider
	model   Model
	retry   RetryPolicy
	log     *slog.Logger
}

// NewTypeInferrer returns an inferrer. A nil invoker yields heuristic-only answers.
func NewTypeInferrer(invoker Invoker, optFns ...func(*Options)) *TypeInferrer {
	opts := resolveOptions(optFns)
	prompts := opts.Prompts
	if prompts == nil {
		prompts = DefaultPromptProvider()
	}
	return &TypeInferrer{
		invoker: invoker,
		prompts: prompts,
		model:   Model(opts.Model),
		retry:   retryPolicyFrom(opts),
		log:     opts.Logger,
	}
}

// Infer suggests a type for a single question.
func (ti *TypeInferrer) Infer(ctx context.Context, question string) TypeSuggestion {
	return ti.InferAll(ctx, []string{question})[0]
}

// InferAll suggests types for all questions with one model call.
// Results are in input order.
func (ti *TypeInferrer) InferAll(ctx context.Context, questions []string) []TypeSuggestion {
	out := make([]TypeSuggestion, len(questions))
	if len(questions) == 0 {
		return out
	}
	if ti.invoker == nil || ti.model == "" {
		ti.log.Debug("No model configured, using heuristic type inference", "questions", len(questions))
		return heuristicAll(questions)
	}

	answers, err := ti.ask(ctx, questions)
	if err != nil {
		ti.log.Warn("Type inference failed, using heuristic", "error", err)
		return heuristicAll(questions)
	}

	for i, q := range questions {
		a, ok := answers[questionKey(i)]
		if !ok {
			ti.log.Debug("No suggestion returned for question", "question", q)
			out[i] = HeuristicSuggestion(q)
			continue
		}
		s, err := a.toSuggestion(q)
		if err != nil {
			ti.log.Debug("Unusable suggested type, using heuristic", "question", q, "suggested_type", a.SuggestedType, "error", err)
			out[i] = HeuristicSuggestion(q)
			continue
		}
		out[i] = s
	}
	return out
}

type suggestionAnswer struct {
	FieldName     string   `json:"field_name"`
	SuggestedType string   `json:"suggested_type"`
	Reasoning     string   `json:"reasoning"`
	Alternatives  []string `json:"alternatives"`
}

func (a suggestionAnswer) toSuggestion(question string) (TypeSuggestion, error) {
	t, err := parseStrictType(a.SuggestedType)
	if err != nil {
		return TypeSuggestion{}, err
	}
	name := SanitizeFieldName(a.FieldName)
	if strings.TrimSpace(a.FieldName) == "" {
		name = DeriveFieldName(question)
	}
	s := TypeSuggestion{
		Question:      question,
		FieldName:     name,
		SuggestedType: t,
		Reasoning:     strings.TrimSpace(a.Reasoning),
	}
	for _, alt := range a.Alternatives {
		at, err := parseStrictType(alt)
		if err != nil || at.Equal(t) {
			continue
		}
		s.Alternatives = append(s.Alternatives, at)
	}
	return s, nil
}

// parseStrictType rejects the unknown-token fallback ParseType allows, so
// a made-up type name from the model is not silently read as string.
func parseStrictType(expr string) (TypeDescriptor, error) {
	expr = strings.TrimSpace(expr)
	if err := checkKnownTokens(expr); err != nil {
		return TypeDescriptor{}, err
	}
	t, err := ParseTypeWithLogger(expr, slog.New(slog.DiscardHandler))
	if err != nil {
		return TypeDescriptor{}, err
	}
	if err := checkDescriptor(t, false); err != nil {
		return TypeDescriptor{}, err
	}
	return t, nil
}

// checkKnownTokens rejects bare tokens that are not type names, including
// the element of a list(...) form.
func checkKnownTokens(expr string) error {
	s := strings.TrimSpace(expr)
	if s == "" {
		return &InvalidTypeSpecError{Expr: expr, Reason: "empty"}
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if _, ok := primitiveAliases[strings.ToLower(s)]; !ok && !strings.EqualFold(s, "list") {
			return &InvalidTypeSpecError{Expr: expr, Reason: "unknown type"}
		}
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(s[:open]), "list") && strings.HasSuffix(s, ")") {
		return checkKnownTokens(s[open+1 : len(s)-1])
	}
	return nil
}

func questionKey(i int) string { return "q" + strconv.Itoa(i+1) }

func (ti *TypeInferrer) ask(ctx context.Context, questions []string) (map[string]suggestionAnswer, error) {
	lines := make([]string, len(questions))
	for i, q := range questions {
		lines[i] = fmt.Sprintf("%s: %s", questionKey(i), q)
	}
	example := `{"suggestions": {"q1": {"field_name": "invoice_date", "suggested_type": "date", "reasoning": "asks for a calendar date", "alternatives": ["datetime", "string"]}}}`
	prompt, err := ti.prompts.RenderPrompt(InferPromptTag, map[string]any{
		"questions":   lines,
		"valid_types": "string, int, float, bool, date, datetime, list(<type>), enum(a,b,...), multi_enum(a,b,...)",
		"example":     example,
	})
	if err != nil {
		return nil, fmt.Errorf("render infer prompt: %w", err)
	}

	temp := inferTemperature
	var answers map[string]suggestionAnswer
	_, err = ti.retry.Do(ctx, ti.log, func(callCtx context.Context) error {
		raw, err := ti.invoker.Generate(callCtx, ti.model, prompt,
			WithResponseSchema("type_suggestions", []byte(suggestionSchemaDoc)),
			WithGenerateTemperature(&temp),
		)
		if err != nil {
			return err
		}
		parsed, err := decodeSuggestions(raw)
		if err != nil {
			return err
		}
		answers = parsed
		return nil
	})
	return answers, err
}

func decodeSuggestions(raw []byte) (map[string]suggestionAnswer, error) {
	b := SanitizeJSONResponse(raw)
	if i, j := bytes.IndexByte(b, '{'), bytes.LastIndexByte(b, '}'); i >= 0 && j > i {
		b = b[i : j+1]
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}
	if err := suggestionSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}
	var env struct {
		Suggestions map[string]suggestionAnswer `json:"suggestions"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
	}
	return env.Suggestions, nil
}

func heuristicAll(questions []string) []TypeSuggestion {
	out := make([]TypeSuggestion, len(questions))
	for i, q := range questions {
		out[i] = HeuristicSuggestion(q)
	}
	return out
}

var (
	dateWords     = regexp.MustCompile(`\b(date|when)\b`)
	timeWords     = regexp.MustCompile(`\b(datetime|time|timestamp)\b`)
	countWords    = regexp.MustCompile(`\bhow many\b|\bcount\b|\bnumber of\b|\bquantity\b|\bamount\b`)
	yesNoPrefix   = regexp.MustCompile(`^(is|are|does|do|did|was|were|has|have|can|will|should)\b`)
	listWords     = regexp.MustCompile(`\blist\b|\bwhich ones\b|\bwhat are\b`)
	categoryWords = regexp.MustCompile(`\b(priority|level|status|category)\b`)
)

// HeuristicSuggestion picks a type from keywords in the question. It is
// deterministic and never fails.
func HeuristicSuggestion(question string) TypeSuggestion {
	q := strings.ToLower(strings.TrimSpace(question))
	s := TypeSuggestion{
		Question:  question,
		FieldName: DeriveFieldName(question),
		Heuristic: true,
	}
	switch {
	case dateWords.MatchString(q) && !timeWords.MatchString(q):
		s.SuggestedType = Primitive(TypeDate)
		s.Reasoning = "mentions a date or when something happened"
		s.Alternatives = []TypeDescriptor{Primitive(TypeString), Primitive(TypeDatetime)}
	case timeWords.MatchString(q):
		s.SuggestedType = Primitive(TypeDatetime)
		s.Reasoning = "mentions a time or timestamp"
		s.Alternatives = []TypeDescriptor{Primitive(TypeDate), Primitive(TypeString)}
	case countWords.MatchString(q):
		s.SuggestedType = Primitive(TypeInt)
		s.Reasoning = "asks for a count or quantity"
		s.Alternatives = []TypeDescriptor{Primitive(TypeFloat), Primitive(TypeString)}
	case yesNoPrefix.MatchString(q) || strings.Contains(q, "yes or no"):
		s.SuggestedType = Primitive(TypeBool)
		s.Reasoning = "phrased as a yes/no question"
		s.Alternatives = []TypeDescriptor{Primitive(TypeString)}
	case listWords.MatchString(q):
		s.SuggestedType = ListOf(Primitive(TypeString))
		s.Reasoning = "asks for several items"
		s.Alternatives = []TypeDescriptor{Primitive(TypeString)}
	case categoryWords.MatchString(q):
		s.SuggestedType = Enum("low", "medium", "high")
		s.Reasoning = "asks for a level or category"
		s.Alternatives = []TypeDescriptor{Primitive(TypeString)}
	default:
		s.SuggestedType = Primitive(TypeString)
		s.Reasoning = "free-form answer"
		s.Alternatives = []TypeDescriptor{Primitive(TypeInt), Primitive(TypeBool)}
	}
	return s
}
