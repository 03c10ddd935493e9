package metaminer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadQuestions_Text(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "questions.txt", "# header comment\nWho wrote it?\n\n  When was it signed?  \n")

	qs, err := LoadQuestions(p)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "Who wrote it?", qs[0].Text)
	assert.Equal(t, "who_wrote_it", qs[0].FieldName)
	assert.Equal(t, "When was it signed?", qs[1].Text)
	assert.Equal(t, TypeString, qs[1].Type.Kind)
}

func TestLoadQuestions_CSV(t *testing.T) {
	t.Run("comma with enum options", func(t *testing.T) {
		dir := t.TempDir()
		p := writeFile(t, dir, "q.csv",
			"question,field_name,data_type,default\n"+
				"How many pages?,pages,int,0\n"+
				`Which priority?,prio,"enum(low,high)",low`+"\n")

		qs, err := LoadQuestions(p)
		require.NoError(t, err)
		require.Len(t, qs, 2)
		assert.Equal(t, "pages", qs[0].FieldName)
		assert.Equal(t, TypeInt, qs[0].Type.Kind)
		assert.Equal(t, int64(0), qs[0].Default)
		assert.True(t, qs[1].Type.Equal(Enum("low", "high")))
		assert.Equal(t, "low", qs[1].Default)
	})

	t.Run("semicolon with bom and aliases", func(t *testing.T) {
		dir := t.TempDir()
		p := writeFile(t, dir, "q.csv",
			"\ufeffQuestion;Type;Name\n"+
				"Departments?;multi_enum(finance,hr);depts\n"+
				";int;skipped\n"+
				"Signed?;bool;\n")

		qs, err := LoadQuestions(p)
		require.NoError(t, err)
		require.Len(t, qs, 2)
		assert.Equal(t, "depts", qs[0].FieldName)
		assert.True(t, qs[0].Type.Equal(MultiEnum("finance", "hr")))
		assert.Equal(t, "signed", qs[1].FieldName)
		assert.Equal(t, TypeBool, qs[1].Type.Kind)
	})

	t.Run("missing question column", func(t *testing.T) {
		dir := t.TempDir()
		p := writeFile(t, dir, "q.csv", "prompt,type\nWho?,string\n")

		_, err := LoadQuestions(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no question column")
	})

	t.Run("header only", func(t *testing.T) {
		dir := t.TempDir()
		p := writeFile(t, dir, "q.csv", "question,data_type\n")

		_, err := LoadQuestions(p)
		assert.True(t, errors.Is(err, ErrEmptySchema))
	})
}

func TestLoadQuestions_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("unsupported extension", func(t *testing.T) {
		p := writeFile(t, dir, "q.json", "[]")
		_, err := LoadQuestions(p)
		assert.True(t, errors.Is(err, ErrUnsupportedQuestionFile))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadQuestions(filepath.Join(dir, "absent.txt"))
		assert.Error(t, err)
	})

	t.Run("only comments", func(t *testing.T) {
		p := writeFile(t, dir, "empty.txt", "# nothing\n\n")
		_, err := LoadQuestions(p)
		assert.True(t, errors.Is(err, ErrEmptySchema))
	})
}

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		name   string
		sample string
		want   rune
	}{
		{"comma", "question,type\nx,y", ','},
		{"semicolon", "question;type;default\n", ';'},
		{"tab", "question\ttype", '\t'},
		{"pipe", "question|type", '|'},
		{"commas inside parens ignored", "question;enum(a,b,c,d)\n", ';'},
		{"commas inside quotes ignored", `"a,b,c";x;y`, ';'},
		{"no delimiter", "question", ','},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sniffDelimiter(tt.sample))
		})
	}
}

func TestReadQuestionLines(t *testing.T) {
	rows, err := ReadQuestionLines(strings.NewReader("a\r\n#b\r\nc"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Question)
	assert.Equal(t, "c", rows[1].Question)
}
