package metaminer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	SourceColumn = "source"
	StatusColumn = "_status"
	ErrorColumn  = "_error"
)

// Record is one output row with a fixed column order: source, the schema
// fields, metadata keys sorted by name, then status and error.
type Record struct {
	Keys   []string
	Values map[string]any
}

// NewRecord flattens res into a Record.
func NewRecord(s *Schema, res ExtractionResult) Record {
	fields := s.Fields()
	r := Record{
		Keys:   make([]string, 0, len(fields)+len(res.Metadata)+3),
		Values: make(map[string]any, len(fields)+len(res.Metadata)+3),
	}
	r.set(SourceColumn, res.SourceID)
	for _, f := range fields {
		r.set(f, res.Fields[f])
	}
	meta := make([]string, 0, len(res.Metadata))
	for k := range res.Metadata {
		if _, taken := r.Values[k]; !taken && k != StatusColumn && k != ErrorColumn {
			meta = append(meta, k)
		}
	}
	sort.Strings(meta)
	for _, k := range meta {
		r.set(k, res.Metadata[k])
	}
	r.set(StatusColumn, string(res.Status))
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	r.set(ErrorColumn, errText)
	return r
}

// Records converts results in order.
func Records(s *Schema, results []ExtractionResult) []Record {
	out := make([]Record, len(results))
	for i, res := range results {
		out[i] = NewRecord(s, res)
	}
	return out
}

func (r *Record) set(k string, v any) {
	if _, ok := r.Values[k]; !ok {
		r.Keys = append(r.Keys, k)
	}
	r.Values[k] = v
}

func (r Record) Get(key string) any { return r.Values[key] }

// MarshalJSON keeps the column order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.Values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Columns returns the union of record keys in first-seen order.
func Columns(records []Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range records {
		for _, k := range r.Keys {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// FormatCell renders a value for tabular output. Lists are joined with ";".
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []string:
		return strings.Join(x, ";")
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = FormatCell(e)
		}
		return strings.Join(parts, ";")
	default:
		return fmt.Sprint(x)
	}
}

// WriteCSV writes a header row and one row per record.
func WriteCSV(w io.Writer, records []Record) error {
	cols := Columns(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	row := make([]string, len(cols))
	for _, r := range records {
		for i, c := range cols {
			row[i] = FormatCell(r.Values[c])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// WriteXLSX writes a single-sheet workbook with a header row.
func WriteXLSX(w io.Writer, records []Record) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return err
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	cols := Columns(records)
	for i, h := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for r, rec := range records {
		for i, c := range cols {
			cell, _ := excelize.CoordinatesToCellName(i+1, r+2)
			if err := f.SetCellValue(sheet, cell, xlsxValue(rec.Values[c])); err != nil {
				return err
			}
		}
	}
	for i, c := range cols {
		name, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(sheet, name, name, float64(min(max(len(c)+2, 12), 60)))
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func xlsxValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case int64, int, float64, bool, string:
		return x
	default:
		return FormatCell(x)
	}
}

// WriteRecords dispatches on format: csv, json or xlsx.
func WriteRecords(w io.Writer, format string, records []Record) error {
	switch strings.ToLower(format) {
	case "", "csv":
		return WriteCSV(w, records)
	case "json":
		return WriteJSON(w, records)
	case "xlsx":
		return WriteXLSX(w, records)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
