package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/vivaneiona/metaminer"
)

const usage = `Extract structured information from documents using a language model.

Usage:
  metaminer [flags] QUESTIONS_FILE DOCUMENT_OR_DIR...

Examples:
  metaminer questions.txt documents/
  metaminer -o results.json -format json questions.csv report.pdf
  metaminer -infer questions.txt
  metaminer -explain -format dot questions.txt documents/ | dot -Tsvg > plan.svg

Flags:
`

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		output     = flag.String("o", "", "output file path (default: stdout)")
		format     = flag.String("format", "csv", "output format: csv, json or xlsx; with -explain: text, json or dot")
		baseURL    = flag.String("base-url", "", "OpenAI-compatible API base URL")
		apiKey     = flag.String("api-key", "", "API key (or OPENAI_API_KEY / GEMINI_API_KEY)")
		model      = flag.String("model", "", `model name, or "auto" to use the server's first model`)
		provider   = flag.String("provider", "", "backend: openai or gemini")
		configFile = flag.String("config", "", "configuration file (yaml, json or toml)")
		infer      = flag.Bool("infer", false, "print type suggestions for the questions and exit")
		explain    = flag.Bool("explain", false, "print the execution plan and exit")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.StringVar(output, "output", "", "alias for -o")
	flag.Usage = func() {
		printError("%s", usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 || (!*infer && len(args) < 2) {
		flag.Usage()
		return 2
	}
	if err := checkFormat(*format, *explain); err != nil {
		printError("Error: %v\n", err)
		return 2
	}

	cfgOpts := []metaminer.ConfigOption{
		metaminer.WithOverride("base_url", *baseURL),
		metaminer.WithOverride("api_key", *apiKey),
		metaminer.WithOverride("model", *model),
		metaminer.WithOverride("provider", *provider),
	}
	if *verbose {
		cfgOpts = append(cfgOpts, metaminer.WithOverride("log_level", "DEBUG"))
	}
	if *configFile != "" {
		cfgOpts = append(cfgOpts, metaminer.WithConfigFile(*configFile))
	}
	cfg, err := metaminer.LoadConfig(cfgOpts...)
	if err != nil {
		printError("Error: %v\n", err)
		return 1
	}

	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level: cfg.SlogLevel(),
		}),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	questions, err := metaminer.LoadQuestions(args[0])
	if err != nil {
		printError("Error: %v\n", err)
		return 1
	}
	logger.Debug("Questions loaded", "file", args[0], "count", len(questions))

	if *infer {
		return runInfer(ctx, cfg, questions, logger)
	}

	schema, err := metaminer.BuildSchema(questions)
	if err != nil {
		printError("Error: %v\n", err)
		return 1
	}

	var opts []func(*metaminer.Options)
	if cfg.EnableProgressBar && !*explain {
		opts = append(opts, metaminer.WithProgress(func(done, total int) {
			fmt.Fprintf(os.Stderr, "\rProcessed %d/%d", done, total)
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		}))
	}
	q, err := metaminer.NewInquiryFromConfig(ctx, cfg, schema, append(opts, metaminer.WithLogger(logger))...)
	if err != nil {
		printError("Error: %v\n", err)
		return 1
	}
	defer q.Close()

	units, err := q.DocumentUnits(args[1:])
	if err != nil {
		printError("Error: %v\n", err)
		return 1
	}
	if len(units) == 0 {
		printError("Warning: no documents found\n")
		return 0
	}

	if *explain {
		text, err := q.PlanBuilder().
			WithUnits(units).
			WithPricing(metaminer.DefaultModelPricing()).
			ExplainPretty(planFormat(*format))
		if err != nil {
			printError("Error: %v\n", err)
			return 1
		}
		fmt.Println(text)
		return 0
	}

	results := q.Run(ctx, units)
	summary := metaminer.Summarize(results)
	logger.Info("Processing complete",
		"documents", len(results),
		"ok", summary.OK,
		"failed_with_defaults", summary.FailedWithDefaults,
		"failed", summary.Failed)

	if err := writeOutput(*output, *format, q.Records(results)); err != nil {
		printError("Error: %v\n", err)
		return 1
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		printError("Operation cancelled by user\n")
		return 1
	}
	return 0
}

// checkFormat validates -format. Plans render as text, json or dot; results
// as csv, json or xlsx. The csv default also selects text for plans.
func checkFormat(format string, explain bool) error {
	f := strings.ToLower(format)
	if explain {
		switch f {
		case "csv", "text", "json", "dot":
			return nil
		}
		return fmt.Errorf("unsupported plan format %q", format)
	}
	switch f {
	case "csv", "json", "xlsx":
		return nil
	}
	return fmt.Errorf("unsupported format %q", format)
}

func planFormat(format string) metaminer.FormatType {
	switch strings.ToLower(format) {
	case "json":
		return metaminer.FormatJSON
	case "dot":
		return metaminer.FormatGraphviz
	default:
		return metaminer.FormatText
	}
}

func runInfer(ctx context.Context, cfg *metaminer.Config, questions []metaminer.Question, logger *slog.Logger) int {
	invoker, model, closer, err := metaminer.NewInvokerFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Warn("No model backend, using heuristic type inference", "error", err)
		invoker = nil
	}
	if closer != nil {
		defer closer()
	}
	opts := append(cfg.Options(), metaminer.WithModel(model), metaminer.WithLogger(logger))
	inferrer := metaminer.NewTypeInferrer(invoker, opts...)

	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Text
	}
	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"question", "field_name", "data_type", "alternatives", "reasoning"})
	for _, s := range inferrer.InferAll(ctx, texts) {
		alts := make([]string, len(s.Alternatives))
		for i, a := range s.Alternatives {
			alts[i] = a.String()
		}
		_ = w.Write([]string{s.Question, s.FieldName, s.SuggestedType.String(), strings.Join(alts, ";"), s.Reasoning})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		printError("Error: %v\n", err)
		return 1
	}
	return 0
}

func writeOutput(path, format string, records []metaminer.Record) error {
	if path == "" && strings.EqualFold(format, "xlsx") {
		return fmt.Errorf("xlsx output needs -o")
	}
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := metaminer.WriteRecords(w, format, records); err != nil {
		return err
	}
	if path != "" {
		slog.Info("Results saved", "path", path, "records", len(records))
	}
	return nil
}
