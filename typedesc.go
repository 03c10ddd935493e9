package metaminer

import (
	"fmt"
	"log/slog"
	"strings"
)

// Kind is the tag of a TypeDescriptor.
type Kind int

const (
	TypeString Kind = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
	TypeDatetime
	TypeList
	TypeEnum
	TypeMultiEnum
)

var kindNames = map[Kind]string{
	TypeString:    "string",
	TypeInt:       "int",
	TypeFloat:     "float",
	TypeBool:      "bool",
	TypeDate:      "date",
	TypeDatetime:  "datetime",
	TypeList:      "list",
	TypeEnum:      "enum",
	TypeMultiEnum: "multi_enum",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// primitiveAliases maps every accepted bare token to its primitive kind.
var primitiveAliases = map[string]Kind{
	"str":       TypeString,
	"string":    TypeString,
	"text":      TypeString,
	"int":       TypeInt,
	"integer":   TypeInt,
	"number":    TypeInt,
	"float":     TypeFloat,
	"decimal":   TypeFloat,
	"double":    TypeFloat,
	"bool":      TypeBool,
	"boolean":   TypeBool,
	"date":      TypeDate,
	"datetime":  TypeDatetime,
	"timestamp": TypeDatetime,
}

var enumNames = map[string]Kind{
	"enum":       TypeEnum,
	"multi_enum": TypeMultiEnum,
	"multienum":  TypeMultiEnum,
	"multi-enum": TypeMultiEnum,
}

// TypeDescriptor is a closed variant over primitives, list(T), enum and multi_enum.
// Elem is set only for TypeList; Options only for TypeEnum and TypeMultiEnum.
type TypeDescriptor struct {
	Kind    Kind
	Elem    *TypeDescriptor
	Options []string
}

// Primitive returns the descriptor for a primitive kind.
func Primitive(k Kind) TypeDescriptor { return TypeDescriptor{Kind: k} }

// ListOf returns list(elem).
func ListOf(elem TypeDescriptor) TypeDescriptor {
	e := elem
	return TypeDescriptor{Kind: TypeList, Elem: &e}
}

// Enum returns enum(options...) with options normalized.
func Enum(options ...string) TypeDescriptor {
	return TypeDescriptor{Kind: TypeEnum, Options: normalizeOptions(options)}
}

// MultiEnum returns multi_enum(options...) with options normalized.
func MultiEnum(options ...string) TypeDescriptor {
	return TypeDescriptor{Kind: TypeMultiEnum, Options: normalizeOptions(options)}
}

// clone returns a copy that shares no slices or pointers with t.
func (t TypeDescriptor) clone() TypeDescriptor {
	c := TypeDescriptor{Kind: t.Kind}
	if t.Options != nil {
		c.Options = append([]string(nil), t.Options...)
	}
	if t.Elem != nil {
		e := t.Elem.clone()
		c.Elem = &e
	}
	return c
}

func (t TypeDescriptor) IsPrimitive() bool { return t.Kind <= TypeDatetime }

func (t TypeDescriptor) IsEnumLike() bool {
	return t.Kind == TypeEnum || t.Kind == TypeMultiEnum
}

// String renders the canonical type expression, e.g. "list(enum(a,b))".
func (t TypeDescriptor) String() string {
	switch t.Kind {
	case TypeList:
		if t.Elem == nil {
			return "list(string)"
		}
		return "list(" + t.Elem.String() + ")"
	case TypeEnum, TypeMultiEnum:
		escaped := make([]string, len(t.Options))
		for i, o := range t.Options {
			escaped[i] = strings.ReplaceAll(o, ",", `\,`)
		}
		return t.Kind.String() + "(" + strings.Join(escaped, ",") + ")"
	default:
		return t.Kind.String()
	}
}

// Equal reports structural equality.
func (t TypeDescriptor) Equal(o TypeDescriptor) bool {
	if t.Kind != o.Kind || len(t.Options) != len(o.Options) {
		return false
	}
	for i := range t.Options {
		if t.Options[i] != o.Options[i] {
			return false
		}
	}
	if (t.Elem == nil) != (o.Elem == nil) {
		return false
	}
	if t.Elem != nil {
		return t.Elem.Equal(*o.Elem)
	}
	return true
}

// MatchOption returns the option equal to v ignoring case and surrounding space.
func (t TypeDescriptor) MatchOption(v string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(v))
	for _, o := range t.Options {
		if o == needle {
			return o, true
		}
	}
	return "", false
}

// ParseType parses a type expression using slog.Default for warnings.
//
// Parsing is permissive: an unrecognized bare token such as "money" is
// treated as string and logged at warn level rather than rejected, so
// hand-written question files keep working. Parameterized forms are strict:
// unknown names, empty option lists, unbalanced parentheses and lists of
// lists fail with ErrInvalidTypeSpec.
func ParseType(expr string) (TypeDescriptor, error) {
	return ParseTypeWithLogger(expr, slog.Default())
}

// ParseTypeWithLogger is ParseType with a caller supplied logger.
func ParseTypeWithLogger(expr string, log *slog.Logger) (TypeDescriptor, error) {
	if log == nil {
		log = slog.Default()
	}
	return parseType(expr, false, log)
}

func parseType(expr string, inList bool, log *slog.Logger) (TypeDescriptor, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		if inList {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: "list element type is empty"}
		}
		return Primitive(TypeString), nil
	}

	open := strings.IndexByte(s, '(')
	if open < 0 {
		if strings.ContainsAny(s, ")") {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: "unbalanced parentheses"}
		}
		return parseBareToken(s, inList, log)
	}

	if !strings.HasSuffix(s, ")") {
		return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: "expected closing parenthesis"}
	}
	name := strings.ToLower(strings.TrimSpace(s[:open]))
	inner := s[open+1 : len(s)-1]
	if !balanced(inner) {
		return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: "unbalanced parentheses"}
	}

	switch {
	case name == "list":
		if inList {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: "lists of lists are not supported"}
		}
		elem, err := parseType(inner, true, log)
		if err != nil {
			return TypeDescriptor{}, err
		}
		return ListOf(elem), nil
	case enumNames[name] != 0:
		opts := normalizeOptions(splitOptions(inner))
		if len(opts) == 0 {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: name + " requires at least one option"}
		}
		return TypeDescriptor{Kind: enumNames[name], Options: opts}, nil
	default:
		if _, ok := primitiveAliases[name]; ok {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: name + " takes no parameters"}
		}
		return TypeDescriptor{}, &InvalidTypeSpecError{Expr: expr, Reason: fmt.Sprintf("unknown type constructor %q", name)}
	}
}

func parseBareToken(s string, inList bool, log *slog.Logger) (TypeDescriptor, error) {
	tok := strings.ToLower(s)
	if k, ok := primitiveAliases[tok]; ok {
		return Primitive(k), nil
	}
	switch {
	case tok == "list":
		if inList {
			return TypeDescriptor{}, &InvalidTypeSpecError{Expr: s, Reason: "lists of lists are not supported"}
		}
		return ListOf(Primitive(TypeString)), nil
	case enumNames[tok] != 0:
		return TypeDescriptor{}, &InvalidTypeSpecError{Expr: s, Reason: tok + " requires at least one option"}
	}
	log.Warn("unrecognized type token, treating as string", "token", s)
	return Primitive(TypeString), nil
}

func balanced(s string) bool {
	depth := 0
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

// splitOptions splits on commas not preceded by a backslash.
func splitOptions(s string) []string { return splitEscaped(s, ",") }

// splitEscaped splits s on any rune in seps. A backslash before a separator
// keeps it literal; any other backslash is kept as is.
func splitEscaped(s, seps string) []string {
	var (
		out     []string
		cur     strings.Builder
		escaped bool
	)
	for _, r := range s {
		isSep := strings.ContainsRune(seps, r)
		if escaped {
			if !isSep {
				cur.WriteRune('\\')
			}
			cur.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\':
			escaped = true
		case isSep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if escaped {
		cur.WriteRune('\\')
	}
	out = append(out, cur.String())
	return out
}

func normalizeOptions(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "" {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
