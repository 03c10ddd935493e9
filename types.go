package metaminer

import (
	"context"
	"log/slog"
	"time"
)

// Model represents a model identifier
type Model string

// Runner lets the Orchestrator schedule work with any concurrency model.
type Runner interface {
	Go(fn func() error) // schedule
	Wait() error        // join / propagate first err
}

// PromptProvider renders a named prompt template with the given variables.
type PromptProvider interface {
	RenderPrompt(tag string, vars map[string]any) (string, error)
}

// Invoker abstraction allows mocking, retrying, and caching
type Invoker interface {
	Generate(ctx context.Context, model Model, prompt string, opts ...GenerateOption) ([]byte, error)
}

// Options represents functional options shared by the Engine and the Orchestrator.
type Options struct {
	Model             string
	Timeout           time.Duration // per call; 0 → no timeout
	MaxRetries        int           // 0 → no retry
	Backoff           time.Duration // first retry delay, doubled per attempt
	MaxBackoff        time.Duration // 0 → uncapped
	Temperature       *float32
	MaxConcurrent     int // in-flight calls per run
	RequestsPerMinute int // rolling 60s cap per run; 0 → unlimited
	BatchSize         int // units per chunk; 0 → all at once
	Progress          func(done, total int)
	Prompts           PromptProvider
	Reader            *DocumentReader
	Clock             Clock
	Sleep             func(ctx context.Context, d time.Duration) error
	Logger            *slog.Logger
}

func defaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		Backoff:       time.Second,
		MaxBackoff:    30 * time.Second,
		MaxConcurrent: 1,
		BatchSize:     100,
	}
}

func resolveOptions(optFns []func(*Options)) Options {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 1
	}
	if o.Reader == nil {
		o.Reader = NewDocumentReader(WithReaderLogger(o.Logger))
	}
	return o
}

// Functional option constructors
func WithModel(name string) func(*Options) {
	return func(o *Options) { o.Model = name }
}

func WithTimeout(d time.Duration) func(*Options) {
	return func(o *Options) { o.Timeout = d }
}

func WithRetry(max int, backoff time.Duration) func(*Options) {
	return func(o *Options) {
		o.MaxRetries = max
		o.Backoff = backoff
	}
}

func WithMaxBackoff(d time.Duration) func(*Options) {
	return func(o *Options) { o.MaxBackoff = d }
}

func WithTemperature(t float32) func(*Options) {
	return func(o *Options) { o.Temperature = &t }
}

// WithConcurrency bounds the number of simultaneous LLM calls in one run.
func WithConcurrency(n int) func(*Options) {
	return func(o *Options) { o.MaxConcurrent = n }
}

// WithRateLimit caps dispatched calls over any rolling minute.
func WithRateLimit(requestsPerMinute int) func(*Options) {
	return func(o *Options) { o.RequestsPerMinute = requestsPerMinute }
}

func WithBatchSize(n int) func(*Options) {
	return func(o *Options) { o.BatchSize = n }
}

// WithProgress registers a callback invoked after each unit completes.
func WithProgress(fn func(done, total int)) func(*Options) {
	return func(o *Options) { o.Progress = fn }
}

func WithPrompts(p PromptProvider) func(*Options) {
	return func(o *Options) { o.Prompts = p }
}

func WithDocumentReader(r *DocumentReader) func(*Options) {
	return func(o *Options) { o.Reader = r }
}

func WithClock(c Clock) func(*Options) {
	return func(o *Options) { o.Clock = c }
}

// WithSleep replaces the retry backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) func(*Options) {
	return func(o *Options) { o.Sleep = fn }
}

func WithLogger(l *slog.Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}
