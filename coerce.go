package metaminer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Canonical layouts for coerced date and datetime values.
const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = time.RFC3339
)

// dateLayouts are tried in order; the first match wins.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"2.1.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	time.RFC1123Z,
	time.RFC1123,
	"January 2, 2006 15:04",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006 15:04",
	"Jan 2, 2006 3:04 PM",
}

var boolTokens = map[string]bool{
	"true": true, "yes": true, "1": true,
	"false": false, "no": false, "0": false,
}

// errEmptyValue marks a candidate that carries no answer at all.
var errEmptyValue = errors.New("value is empty")

// Coerce validates raw against t and returns the canonical Go value:
// string, int64, float64, bool, date and datetime as canonical strings,
// enum as string, multi_enum as []string and list as []any.
// Failures are *ValidationError values with Field left empty.
func Coerce(t TypeDescriptor, raw any) (any, error) {
	v, err := coerce(t, raw)
	if err != nil {
		return nil, &ValidationError{Type: t.String(), Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

// IsEmptyValue reports whether raw counts as a missing answer.
func IsEmptyValue(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s == "" || s == "null" || s == "n/a"
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	}
	return false
}

func coerce(t TypeDescriptor, raw any) (any, error) {
	if IsEmptyValue(raw) {
		return nil, errEmptyValue
	}
	switch t.Kind {
	case TypeString:
		return coerceString(raw)
	case TypeInt:
		return coerceInt(raw)
	case TypeFloat:
		return coerceFloat(raw)
	case TypeBool:
		return coerceBool(raw)
	case TypeDate:
		return coerceDate(raw)
	case TypeDatetime:
		return coerceDatetime(raw)
	case TypeEnum:
		return coerceEnum(t, raw)
	case TypeMultiEnum:
		return coerceMultiEnum(t, raw)
	case TypeList:
		return coerceList(t, raw)
	}
	return nil, fmt.Errorf("unsupported type %s", t)
}

func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

func coerceString(raw any) (any, error) {
	if s, ok := scalarString(raw); ok {
		return s, nil
	}
	if items, ok := raw.([]any); ok {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			if s, ok := scalarString(it); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", "), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func coerceInt(raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return integralFloat(v)
	case bool:
		return nil, errors.New("boolean is not an integer")
	}
	s, ok := scalarString(raw)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return integralFloat(f)
}

func integralFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, fmt.Errorf("%v is not integral", f)
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}

func coerceFloat(raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		return nil, errors.New("boolean is not a number")
	}
	s, ok := scalarString(raw)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func coerceBool(raw any) (any, error) {
	if b, ok := raw.(bool); ok {
		return b, nil
	}
	s, ok := scalarString(raw)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	b, ok := boolTokens[strings.ToLower(s)]
	if !ok {
		return nil, fmt.Errorf("not a boolean token: %q", s)
	}
	return b, nil
}

// ParseDate parses s with the accepted date layouts, then the datetime layouts.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := ParseDatetime(s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ParseDatetime parses s with the accepted datetime layouts, then the date layouts.
func ParseDatetime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

func coerceDate(raw any) (any, error) {
	if t, ok := raw.(time.Time); ok {
		return t.Format(DateLayout), nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	t, err := ParseDate(s)
	if err != nil {
		return nil, err
	}
	return t.Format(DateLayout), nil
}

func coerceDatetime(raw any) (any, error) {
	if t, ok := raw.(time.Time); ok {
		return t.Format(DatetimeLayout), nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	t, err := ParseDatetime(s)
	if err != nil {
		return nil, err
	}
	return t.Format(DatetimeLayout), nil
}

func coerceEnum(t TypeDescriptor, raw any) (any, error) {
	s, ok := scalarString(raw)
	if !ok {
		if items, isList := raw.([]any); isList && len(items) == 1 {
			s, ok = scalarString(items[0])
		}
	}
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	opt, found := t.MatchOption(s)
	if !found {
		return nil, fmt.Errorf("%q is not one of %v", s, t.Options)
	}
	return opt, nil
}

// coerceMultiEnum keeps the valid members in order of appearance and drops the rest.
func coerceMultiEnum(t TypeDescriptor, raw any) (any, error) {
	items, err := listItems(raw)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := scalarString(it)
		if !ok {
			continue
		}
		opt, found := t.MatchOption(s)
		if !found {
			continue
		}
		if _, dup := seen[opt]; dup {
			continue
		}
		seen[opt] = struct{}{}
		out = append(out, opt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no member of %v is one of %v", items, t.Options)
	}
	return out, nil
}

// coerceList coerces every element with the element type and drops invalid ones.
func coerceList(t TypeDescriptor, raw any) (any, error) {
	elem := Primitive(TypeString)
	if t.Elem != nil {
		elem = *t.Elem
	}
	items, err := listItems(raw)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(items))
	for _, it := range items {
		v, err := coerce(elem, it)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid %s element in %v", elem, items)
	}
	return out, nil
}

// listItems accepts a JSON array, a string holding a JSON array, or a
// string separated by semicolons or commas. A backslash escapes a separator.
func listItems(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	}
	s, ok := scalarString(raw)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", raw)
	}
	if strings.HasPrefix(s, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr, nil
		}
	}
	parts := splitEscaped(s, ",;")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
