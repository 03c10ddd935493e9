package metaminer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
)

// SanitizeJSONResponse trims whitespace and markdown code fences that
// models often wrap around JSON.
func SanitizeJSONResponse(b []byte) []byte {
	s := strings.TrimSpace(string(b))
	originalLen := len(s)

	// Remove leading/trailing code fences, markdown, etc.
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	finalS := strings.TrimSpace(s)

	slog.Debug("Sanitization complete", "original_length", originalLen, "final_length", len(finalS), "removed_prefixes_suffixes", originalLen != len(finalS))
	return []byte(finalS)
}

// ParseResponse turns a raw model response into candidate values keyed by
// field name. It tries, in order: the whole response as a JSON object, the
// outermost {...} span, and "name: value" lines naming known fields.
func ParseResponse(raw []byte, fields []string) (map[string]any, error) {
	b := SanitizeJSONResponse(raw)
	if obj, ok := decodeObject(b); ok {
		return obj, nil
	}
	if i, j := bytes.IndexByte(b, '{'), bytes.LastIndexByte(b, '}'); i >= 0 && j > i {
		if obj, ok := decodeObject(b[i : j+1]); ok {
			return obj, nil
		}
	}
	if obj := parseKeyValueLines(string(b), fields); len(obj) > 0 {
		return obj, nil
	}
	return nil, ErrUnparseableResponse
}

func decodeObject(b []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func parseKeyValueLines(text string, fields []string) map[string]any {
	known := make(map[string]string, len(fields))
	for _, f := range fields {
		known[strings.ToLower(f)] = f
	}
	out := make(map[string]any)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.Trim(strings.TrimSpace(k), `"'*`)
		field, ok := known[strings.ToLower(key)]
		if !ok {
			field, ok = known[SanitizeFieldName(key)]
		}
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		v = strings.TrimSuffix(v, ",")
		v = strings.Trim(v, `"'`)
		out[field] = v
	}
	return out
}

// lookupField finds a field's value, falling back to a case-insensitive key match.
func lookupField(obj map[string]any, field string) (any, bool) {
	if v, ok := obj[field]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}
