package metaminer

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tyler-sommer/stick"
)

// Template tags rendered by the engine and the inferrer.
const (
	ExtractPromptTag = "extract"
	InferPromptTag   = "infer"
)

//go:embed prompts/*.twig
var defaultPrompts embed.FS

// StickPromptProvider renders Twig templates kept in memory by tag.
type StickPromptProvider struct {
	mu        sync.RWMutex
	env       *stick.Env
	templates map[string]string
	vars      map[string]any // shared template variables
}

// Option configures a StickPromptProvider.
type Option func(*StickPromptProvider) error

// WithFS loads every *.twig file found under dir in the supplied FS.
// Later options override templates with the same tag.
func WithFS[F fs.FS](fsys F, dir string) Option {
	return func(p *StickPromptProvider) error {
		return fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".twig") {
				return nil
			}
			content, readErr := fs.ReadFile(fsys, path)
			if readErr != nil {
				return fmt.Errorf("read %s: %w", path, readErr)
			}
			tag := strings.TrimSuffix(filepath.Base(path), ".twig")
			p.templates[tag] = string(content)
			return nil
		})
	}
}

// WithTemplates lets you inject an in-memory map.
func WithTemplates(m map[string]string) Option {
	return func(p *StickPromptProvider) error {
		for k, v := range m {
			p.templates[k] = v
		}
		return nil
	}
}

// WithVar adds a variable that will be available in all templates
func WithVar(key string, value any) Option {
	return func(p *StickPromptProvider) error {
		p.vars[key] = value
		return nil
	}
}

// NewStickPromptProvider builds a provider preloaded with the built-in
// extract and infer templates, then applies opts.
func NewStickPromptProvider(opts ...Option) (*StickPromptProvider, error) {
	p := &StickPromptProvider{
		env:       stick.New(nil),
		templates: make(map[string]string),
		vars:      make(map[string]any),
	}
	opts = append([]Option{WithFS(defaultPrompts, "prompts")}, opts...)
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DefaultPromptProvider returns the built-in templates.
func DefaultPromptProvider() *StickPromptProvider {
	p, err := NewStickPromptProvider()
	if err != nil {
		panic(fmt.Sprintf("metaminer: built-in prompts: %v", err))
	}
	return p
}

// AddTemplate updates or inserts one template.
func (p *StickPromptProvider) AddTemplate(tag, tpl string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.templates[tag] = tpl
}

// RenderPrompt renders the template for tag with the shared variables
// overlaid by vars.
func (p *StickPromptProvider) RenderPrompt(tag string, vars map[string]any) (string, error) {
	p.mu.RLock()
	tpl, ok := p.templates[tag]
	templateCtx := make(map[string]stick.Value, len(p.vars)+len(vars)+1)
	for k, v := range p.vars {
		templateCtx[k] = v
	}
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", tag)
	}

	templateCtx["tag"] = tag
	for k, v := range vars {
		templateCtx[k] = v
	}

	var out strings.Builder
	if err := p.env.Execute(tpl, &out, templateCtx); err != nil {
		return "", fmt.Errorf("execute %q: %w", tag, err)
	}
	return out.String(), nil
}
