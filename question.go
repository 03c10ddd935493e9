package metaminer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxFieldNameLen = 64

// reservedFieldNames are the record columns every output row carries.
// A question asking for one of them gets a suffixed name.
var reservedFieldNames = []string{SourceColumn, StatusColumn, ErrorColumn}

// Question is one typed output slot with the natural-language prompt that fills it.
type Question struct {
	Text       string
	FieldName  string
	Type       TypeDescriptor
	Default    any
	HasDefault bool
}

func (q Question) clone() Question {
	q.Type = q.Type.clone()
	q.Default = cloneValue(q.Default)
	return q
}

// cloneValue copies the list values a default or answer can hold.
func cloneValue(v any) any {
	switch x := v.(type) {
	case []string:
		return append([]string(nil), x...)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// QuestionRow is the loosely typed form read from a CSV file or built by hand.
// Empty strings mean "not given".
type QuestionRow struct {
	Question  string
	FieldName string
	DataType  string
	Default   string
}

// NormalizeQuestions turns plain question strings into string-typed Questions
// with derived, unique field names.
func NormalizeQuestions(texts []string) ([]Question, error) {
	rows := make([]QuestionRow, len(texts))
	for i, t := range texts {
		rows[i] = QuestionRow{Question: t}
	}
	return NormalizeRows(rows)
}

// NormalizeRows resolves types, field names and defaults for every row.
// Any bad type or default aborts normalization.
func NormalizeRows(rows []QuestionRow) ([]Question, error) {
	used := make(map[string]struct{}, len(rows)+len(reservedFieldNames))
	for _, name := range reservedFieldNames {
		used[name] = struct{}{}
	}
	out := make([]Question, 0, len(rows))
	for i, row := range rows {
		text := strings.TrimSpace(row.Question)
		if text == "" {
			return nil, fmt.Errorf("question %d: text is empty", i+1)
		}

		typ, err := ParseType(row.DataType)
		if err != nil {
			return nil, fmt.Errorf("question %q: %w", text, err)
		}

		base := SanitizeFieldName(row.FieldName)
		if strings.TrimSpace(row.FieldName) == "" {
			base = DeriveFieldName(text)
		}
		name := uniqueName(base, used)
		used[name] = struct{}{}

		q := Question{Text: text, FieldName: name, Type: typ}
		if d := strings.TrimSpace(row.Default); d != "" {
			v, err := ParseDefault(typ, d)
			if err != nil {
				return nil, &InvalidDefaultError{Question: text, Value: d, Err: err}
			}
			q.Default = v
			q.HasDefault = true
		}
		out = append(out, q)
	}
	return out, nil
}

// DeriveFieldName builds an identifier from question text: lower case,
// runs of non-alphanumerics collapsed to "_", at most 64 characters.
func DeriveFieldName(text string) string {
	return SanitizeFieldName(text)
}

// SanitizeFieldName applies the field naming rule to any candidate name.
func SanitizeFieldName(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	name := b.String()
	if utf8.RuneCountInString(name) > maxFieldNameLen {
		name = strings.TrimRight(name[:maxFieldNameLen], "_")
	}
	if name == "" {
		return "question"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "q_" + name
	}
	return name
}

func uniqueName(base string, used map[string]struct{}) string {
	if _, taken := used[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

// ParseDefault parses a default literal strictly against t. Unlike
// extraction, a multi_enum or list default with an invalid member is rejected.
func ParseDefault(t TypeDescriptor, s string) (any, error) {
	switch t.Kind {
	case TypeMultiEnum:
		items, _ := listItems(s)
		out := make([]string, 0, len(items))
		for _, it := range items {
			m, _ := scalarString(it)
			opt, ok := t.MatchOption(m)
			if !ok {
				return nil, fmt.Errorf("%q not in enum values %v", m, t.Options)
			}
			out = append(out, opt)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("empty multi_enum default")
		}
		return out, nil
	case TypeList:
		elem := Primitive(TypeString)
		if t.Elem != nil {
			elem = *t.Elem
		}
		items, _ := listItems(s)
		out := make([]any, 0, len(items))
		for _, it := range items {
			m, _ := scalarString(it)
			v, err := ParseDefault(elem, m)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case TypeEnum:
		opt, ok := t.MatchOption(s)
		if !ok {
			return nil, fmt.Errorf("%q not in enum values %v", s, t.Options)
		}
		return opt, nil
	}
	return coerce(t, s)
}
