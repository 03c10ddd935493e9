package metaminer

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var columnAliases = map[string]string{
	"question":      "question",
	"q":             "question",
	"text":          "question",
	"field_name":    "field_name",
	"field":         "field_name",
	"name":          "field_name",
	"output_name":   "field_name",
	"data_type":     "data_type",
	"type":          "data_type",
	"dtype":         "data_type",
	"default":       "default",
	"default_value": "default",
}

// LoadQuestions reads a .txt or .csv question file and normalizes it.
func LoadQuestions(path string) ([]Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open questions: %w", err)
	}
	defer f.Close()

	var rows []QuestionRow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		rows, err = ReadQuestionLines(f)
	case ".csv":
		rows, err = ReadQuestionCSV(f)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedQuestionFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptySchema)
	}
	return NormalizeRows(rows)
}

// ReadQuestionLines reads one question per line, skipping blanks and # comments.
func ReadQuestionLines(r io.Reader) ([]QuestionRow, error) {
	var rows []QuestionRow
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rows = append(rows, QuestionRow{Question: line})
	}
	return rows, sc.Err()
}

// ReadQuestionCSV reads a CSV with a header row. The delimiter is sniffed
// from the header; column names are matched through their aliases.
func ReadQuestionCSV(r io.Reader) ([]QuestionRow, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(string(head))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int)
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canon, ok := columnAliases[key]; ok {
			if _, dup := cols[canon]; !dup {
				cols[canon] = i
			}
		}
	}
	qi, ok := cols["question"]
	if !ok {
		return nil, fmt.Errorf("no question column in header %v", header)
	}

	get := func(rec []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []QuestionRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if qi >= len(rec) || strings.TrimSpace(rec[qi]) == "" {
			continue
		}
		rows = append(rows, QuestionRow{
			Question:  get(rec, "question"),
			FieldName: get(rec, "field_name"),
			DataType:  get(rec, "data_type"),
			Default:   get(rec, "default"),
		})
	}
	return rows, nil
}

// sniffDelimiter picks the candidate that occurs most often on the first
// line outside parentheses, since enum(...) options contain commas.
func sniffDelimiter(sample string) rune {
	line := sample
	if i := strings.IndexAny(sample, "\r\n"); i >= 0 {
		line = sample[:i]
	}
	counts := map[rune]int{}
	depth := 0
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case depth == 0 && strings.ContainsRune(",;\t|", r):
			counts[r]++
		}
	}
	best, bestN := ',', 0
	for _, c := range []rune{',', ';', '\t', '|'} {
		if counts[c] > bestN {
			best, bestN = c, counts[c]
		}
	}
	return best
}
