package metaminer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

const (
	defaultMaxFileSize    = 50 << 20 // 50 MB
	defaultConvertTimeout = 2 * time.Minute
)

// SupportedExtensions lists the document types the reader converts.
var SupportedExtensions = []string{".pdf", ".docx", ".doc", ".odt", ".rtf", ".txt", ".md", ".html", ".epub", ".tex"}

// CommandFunc runs an external converter and returns its stdout.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// DocumentReader turns document files into plain text. PDFs go through
// pdftotext, plain text is read directly and everything else through pandoc.
type DocumentReader struct {
	MaxFileSize int64
	PDFToText   string // binary name or path
	Pandoc      string
	Timeout     time.Duration
	extensions  map[string]bool
	run         CommandFunc
	log         *slog.Logger
}

// NewDocumentReader returns a reader with the default limits and tools.
func NewDocumentReader(options ...func(*DocumentReader)) *DocumentReader {
	r := &DocumentReader{
		MaxFileSize: defaultMaxFileSize,
		PDFToText:   envOr("PDFTOTEXT_BIN", "pdftotext"),
		Pandoc:      envOr("PANDOC_BIN", "pandoc"),
		Timeout:     defaultConvertTimeout,
		extensions:  make(map[string]bool, len(SupportedExtensions)),
		run:         execCommand,
		log:         slog.Default(),
	}
	for _, ext := range SupportedExtensions {
		r.extensions[ext] = true
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithMaxFileSize sets the largest accepted file in bytes
func WithMaxFileSize(n int64) func(*DocumentReader) {
	return func(r *DocumentReader) {
		if n > 0 {
			r.MaxFileSize = n
		}
	}
}

// WithCommandRunner replaces process execution, mainly for tests
func WithCommandRunner(fn CommandFunc) func(*DocumentReader) {
	return func(r *DocumentReader) { r.run = fn }
}

func WithReaderLogger(l *slog.Logger) func(*DocumentReader) {
	return func(r *DocumentReader) {
		if l != nil {
			r.log = l
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Supported reports whether path has a convertible extension.
func (r *DocumentReader) Supported(path string) bool {
	return r.extensions[strings.ToLower(filepath.Ext(path))]
}

// Validate checks existence, type, extension and size without reading.
func (r *DocumentReader) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &DocumentReadError{Path: path, Err: err}
	}
	if info.IsDir() {
		return &DocumentReadError{Path: path, Err: fmt.Errorf("is a directory")}
	}
	if !r.Supported(path) {
		return &DocumentReadError{Path: path, Err: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}
	if info.Size() > r.MaxFileSize {
		return &DocumentReadError{Path: path, Err: fmt.Errorf("file is %d bytes, limit is %d", info.Size(), r.MaxFileSize)}
	}
	return nil
}

// Read validates and converts path, returning non-empty plain text.
func (r *DocumentReader) Read(ctx context.Context, path string) (string, error) {
	if err := r.Validate(path); err != nil {
		return "", err
	}
	mime := DetectMIMEType(path)
	r.log.Debug("Reading document", "path", path, "mime_type", mime)

	text, err := r.convert(ctx, path, mime)
	if err != nil {
		return "", &DocumentReadError{Path: path, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &DocumentReadError{Path: path, Err: ErrEmptyDocument}
	}
	r.log.Debug("Document converted", "path", path, "text_length", len(text))
	return text, nil
}

func (r *DocumentReader) convert(ctx context.Context, path, mime string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case mime == "application/pdf" || ext == ".pdf":
		out, err := r.run(ctx, r.PDFToText, "-layout", "-enc", "UTF-8", path, "-")
		return string(out), err
	case ext == ".txt" || ext == ".md":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		if !utf8.Valid(b) {
			b = bytes.ToValidUTF8(b, []byte("\uFFFD"))
		}
		return string(b), nil
	default:
		out, err := r.run(ctx, r.Pandoc, "--to", "plain", "--wrap", "none", path)
		return string(out), err
	}
}

// ScanDirectory lists supported documents directly inside dir, sorted by name.
func (r *DocumentReader) ScanDirectory(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if r.Supported(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// DetectMIMEType returns the MIME type for a file by detecting it from content and extension
func DetectMIMEType(path string) string {
	// Try to detect MIME type from file content if file exists
	mtype, err := mimetype.DetectFile(path)
	if err == nil {
		return mtype.String()
	}

	// Fallback to extension-based detection if file doesn't exist
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".odt":
		return "application/vnd.oasis.opendocument.text"
	case ".rtf":
		return "text/rtf"
	case ".html", ".htm":
		return "text/html"
	case ".epub":
		return "application/epub+zip"
	case ".tex":
		return "text/x-tex"
	default:
		return "application/octet-stream"
	}
}
