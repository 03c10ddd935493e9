package metaminer

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ExtractionUnit is one text, or one document to read, plus the identity
// its result is reported under.
type ExtractionUnit struct {
	ID       string
	Text     string
	Path     string // read through the DocumentReader when set
	Metadata map[string]any
}

// TextUnit wraps raw text.
func TextUnit(id, text string) ExtractionUnit { return ExtractionUnit{ID: id, Text: text} }

// DocumentUnit wraps a file path; the path doubles as the identity.
func DocumentUnit(path string) ExtractionUnit { return ExtractionUnit{ID: path, Path: path} }

func (u ExtractionUnit) identity(i int) string {
	switch {
	case u.ID != "":
		return u.ID
	case u.Path != "":
		return u.Path
	default:
		return "text_" + strconv.Itoa(i)
	}
}

// Orchestrator fans units out to an Engine under a concurrency bound and a
// rolling rate limit. Every Run owns its own pool and limiter.
type Orchestrator struct {
	engine *Engine
	opts   Options
	log    *slog.Logger
}

// NewOrchestrator drives engine with the given options.
func NewOrchestrator(engine *Engine, optFns ...func(*Options)) *Orchestrator {
	opts := resolveOptions(optFns)
	return &Orchestrator{engine: engine, opts: opts, log: opts.Logger}
}

func (o *Orchestrator) Engine() *Engine { return o.engine }

// Run extracts every unit and returns exactly one result per unit, in input
// order. Unit failures become results; they never abort siblings. After ctx
// is done no new unit starts, and the remaining units are reported failed.
func (o *Orchestrator) Run(ctx context.Context, units []ExtractionUnit) []ExtractionResult {
	runID := uuid.NewString()
	total := len(units)
	results := make([]ExtractionResult, total)
	if total == 0 {
		return results
	}

	limiter := NewSlidingWindowLimiter(o.opts.RequestsPerMinute, time.Minute, o.opts.Clock)
	batch := o.opts.BatchSize
	if batch <= 0 {
		batch = total
	}
	log := o.log.With("run_id", runID)
	log.Info("Batch run started",
		"units", total,
		"max_concurrent", o.opts.MaxConcurrent,
		"requests_per_minute", o.opts.RequestsPerMinute,
		"batch_size", batch)
	started := time.Now()

	var done atomic.Int64
	for start := 0; start < total; start += batch {
		end := min(start+batch, total)
		r := NewUnitRunner(o.opts.MaxConcurrent)
		for i := start; i < end; i++ {
			r.Go(func() error {
				defer func() {
					n := done.Add(1)
					if o.opts.Progress != nil {
						o.opts.Progress(int(n), total)
					}
				}()
				results[i] = o.runUnit(ctx, limiter, i, units[i], log)
				return nil
			})
		}
		if err := r.Wait(); err != nil {
			// Only a panic gets here; its unit has no result yet.
			log.Error("Unit panicked", "error", err)
			for i := start; i < end; i++ {
				if results[i].Status == "" {
					results[i] = failedResult(o.engine.schema, err)
					results[i].SourceID = units[i].identity(i)
					results[i].Metadata = unitMetadata(units[i])
				}
			}
		}
		log.Debug("Chunk completed", "from", start, "to", end)
	}

	summary := Summarize(results)
	log.Info("Batch run finished",
		"ok", summary.OK,
		"failed_with_defaults", summary.FailedWithDefaults,
		"failed", summary.Failed,
		"elapsed", time.Since(started))
	return results
}

// runUnit resolves one unit; it never panics out and never returns partial fields.
func (o *Orchestrator) runUnit(ctx context.Context, limiter *SlidingWindowLimiter, i int, u ExtractionUnit, log *slog.Logger) ExtractionResult {
	id := u.identity(i)
	var res ExtractionResult
	switch {
	case ctx.Err() != nil:
		res = failedResult(o.engine.schema, ctx.Err())
	default:
		text := u.Text
		var err error
		if u.Path != "" {
			text, err = o.opts.Reader.Read(ctx, u.Path)
		}
		if err != nil {
			res = failedResult(o.engine.schema, err)
		} else {
			res = o.engine.extract(ctx, text, limiter.Wait)
		}
	}

	res.SourceID = id
	res.Metadata = unitMetadata(u)
	if res.Err != nil {
		log.Warn("Unit failed", "source", id, "kind", KindOf(res.Err), "error", res.Err)
	} else if res.Status == StatusFailedWithDefaults {
		log.Debug("Unit used defaults", "source", id, "field_errors", len(res.FieldErrors))
	}
	return res
}

func unitMetadata(u ExtractionUnit) map[string]any {
	if len(u.Metadata) == 0 && u.Path == "" {
		return nil
	}
	md := make(map[string]any, len(u.Metadata)+2)
	for k, v := range u.Metadata {
		md[k] = v
	}
	if u.Path != "" {
		abs, err := filepath.Abs(u.Path)
		if err != nil {
			abs = u.Path
		}
		md["_document_path"] = abs
		md["_document_name"] = filepath.Base(u.Path)
	}
	return md
}

// RunSummary counts results by status.
type RunSummary struct {
	OK                 int
	FailedWithDefaults int
	Failed             int
}

func Summarize(results []ExtractionResult) RunSummary {
	var s RunSummary
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			s.OK++
		case StatusFailedWithDefaults:
			s.FailedWithDefaults++
		default:
			s.Failed++
		}
	}
	return s
}
