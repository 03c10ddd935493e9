package metaminer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// Inquiry binds a schema to a model backend and processes texts and
// documents in batches. It is the entry point most callers need.
type Inquiry struct {
	schema  *Schema
	engine  *Engine
	orch    *Orchestrator
	reader  *DocumentReader
	closers []func() error
	log     *slog.Logger
}

// NewInquiry builds an Inquiry over invoker. optFns configure both the
// engine and the batch orchestrator.
func NewInquiry(schema *Schema, invoker Invoker, optFns ...func(*Options)) (*Inquiry, error) {
	opts := resolveOptions(optFns)
	same := func(o *Options) { *o = opts }

	engine, err := NewEngine(schema, invoker, same)
	if err != nil {
		return nil, err
	}
	return &Inquiry{
		schema: schema,
		engine: engine,
		orch:   NewOrchestrator(engine, same),
		reader: opts.Reader,
		log:    opts.Logger,
	}, nil
}

// NewInquiryFromConfig builds the configured backend, wraps it in the
// configured response cache and returns an Inquiry. Extra optFns are
// applied after the configuration. Close releases the cache.
func NewInquiryFromConfig(ctx context.Context, cfg *Config, schema *Schema, optFns ...func(*Options)) (*Inquiry, error) {
	opts := resolveOptions(optFns)
	invoker, model, closer, err := NewInvokerFromConfig(ctx, cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	all := append(cfg.Options(), WithLogger(opts.Logger), WithModel(model))
	all = append(all, optFns...)
	q, err := NewInquiry(schema, invoker, all...)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, err
	}
	if closer != nil {
		q.closers = append(q.closers, closer)
	}
	return q, nil
}

// NewInvokerFromConfig returns the provider's invoker, the model to use and
// an optional release func for the cache. Model "auto" asks an
// OpenAI-compatible server for its first listed model.
func NewInvokerFromConfig(ctx context.Context, cfg *Config, log *slog.Logger) (Invoker, string, func() error, error) {
	if log == nil {
		log = slog.Default()
	}
	model := cfg.Model
	var inv Invoker
	switch cfg.Provider {
	case "gemini":
		g, err := NewGenAIInvoker(ctx, cfg.APIKey, log)
		if err != nil {
			return nil, "", nil, err
		}
		inv = g
	default:
		o := NewOpenAIInvoker(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Logger: log})
		if model == "auto" {
			model = o.FirstModel(ctx, defaultModelName)
			log.Info("Using server model", "model", model)
		}
		inv = o
	}

	cache, err := NewCacheFromConfig(cfg.Cache)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open cache: %w", err)
	}
	if cache == nil {
		return inv, model, nil, nil
	}
	log.Debug("Response cache enabled", "backend", cfg.Cache.Backend)
	return NewCachingInvoker(inv, cache, log), model, cache.Close, nil
}

// Close releases resources opened by NewInquiryFromConfig.
func (q *Inquiry) Close() error {
	var errs []error
	for _, c := range q.closers {
		errs = append(errs, c())
	}
	q.closers = nil
	return errors.Join(errs...)
}

func (q *Inquiry) Schema() *Schema             { return q.schema }
func (q *Inquiry) Engine() *Engine             { return q.engine }
func (q *Inquiry) Orchestrator() *Orchestrator { return q.orch }

// Run processes arbitrary units; see Orchestrator.Run.
func (q *Inquiry) Run(ctx context.Context, units []ExtractionUnit) []ExtractionResult {
	return q.orch.Run(ctx, units)
}

// PlanBuilder returns a builder for plans over this Inquiry's engine and limits.
func (q *Inquiry) PlanBuilder() *PlanBuilder { return NewPlanBuilder(q.orch) }

// Explain estimates a Run over units without calling the model.
func (q *Inquiry) Explain(units []ExtractionUnit) (*PlanNode, error) {
	return q.orch.Explain(units)
}

// ProcessText extracts from one text. metadata is copied into the result.
func (q *Inquiry) ProcessText(ctx context.Context, text string, metadata map[string]any) ExtractionResult {
	return q.Run(ctx, []ExtractionUnit{{Text: text, Metadata: metadata}})[0]
}

// ProcessTexts extracts from every text. metadata may be omitted, a single
// map applied to all texts, or one map per text.
func (q *Inquiry) ProcessTexts(ctx context.Context, texts []string, metadata ...map[string]any) ([]ExtractionResult, error) {
	if len(metadata) > 1 && len(metadata) != len(texts) {
		return nil, fmt.Errorf("metadata: got %d maps for %d texts", len(metadata), len(texts))
	}
	units := make([]ExtractionUnit, len(texts))
	for i, t := range texts {
		units[i] = ExtractionUnit{Text: t}
		switch len(metadata) {
		case 0:
		case 1:
			units[i].Metadata = metadata[0]
		default:
			units[i].Metadata = metadata[i]
		}
	}
	return q.Run(ctx, units), nil
}

// ProcessDocument reads and extracts one document.
func (q *Inquiry) ProcessDocument(ctx context.Context, path string) ExtractionResult {
	return q.Run(ctx, []ExtractionUnit{DocumentUnit(path)})[0]
}

// ProcessDocuments extracts every path in order. Directories are expanded
// in place to their supported documents.
func (q *Inquiry) ProcessDocuments(ctx context.Context, paths []string) ([]ExtractionResult, error) {
	units, err := q.DocumentUnits(paths)
	if err != nil {
		return nil, err
	}
	return q.Run(ctx, units), nil
}

// ProcessDirectory extracts every supported document directly inside dir.
func (q *Inquiry) ProcessDirectory(ctx context.Context, dir string) ([]ExtractionResult, error) {
	paths, err := q.reader.ScanDirectory(dir)
	if err != nil {
		return nil, err
	}
	q.log.Info("Scanned directory", "dir", dir, "documents", len(paths))
	units := make([]ExtractionUnit, len(paths))
	for i, p := range paths {
		units[i] = DocumentUnit(p)
	}
	return q.Run(ctx, units), nil
}

// DocumentUnits turns paths into units, expanding directories.
func (q *Inquiry) DocumentUnits(paths []string) ([]ExtractionUnit, error) {
	var units []ExtractionUnit
	for _, p := range paths {
		info, err := os.Stat(p)
		if err == nil && info.IsDir() {
			found, err := q.reader.ScanDirectory(p)
			if err != nil {
				return nil, err
			}
			for _, f := range found {
				units = append(units, DocumentUnit(f))
			}
			continue
		}
		// Missing or unreadable files become failed results in Run.
		units = append(units, DocumentUnit(p))
	}
	return units, nil
}

// Records flattens results into output rows for this Inquiry's schema.
func (q *Inquiry) Records(results []ExtractionResult) []Record {
	return Records(q.schema, results)
}
