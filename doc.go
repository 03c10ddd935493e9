// Package metaminer extracts typed answers to a fixed set of questions from
// plain text and documents using a language model. Each question names a
// field and a type; every processed document yields one record with a value
// (or null) for every field.
//
// # Problem Statement
//
// Pulling the same handful of facts out of hundreds of contracts, reports or
// emails is tedious by hand and brittle with regular expressions. A model can
// answer the questions, but its answers arrive as loosely formatted text that
// still has to be checked, converted and collected into a table. This package
// does that part:
//
//   - Typed questions: string, int, float, bool, date, datetime, list(T),
//     enum(a,b,...) and multi_enum(a,b,...)
//   - One prompt per document: every question is asked in a single call
//   - Per-field validation with defaults, so one bad answer never loses a row
//   - Concurrent batches under a concurrency bound and a rolling rate limit
//   - Results in input order, exported as CSV, JSON or XLSX
//
// # Basic Usage
//
// Build a schema from question rows and run it over some texts:
//
//	questions, err := metaminer.NormalizeRows([]metaminer.QuestionRow{
//	    {Question: "Who is the author?", FieldName: "author"},
//	    {Question: "How many pages?", FieldName: "pages", DataType: "int", Default: "0"},
//	    {Question: "Which departments are involved?", DataType: "multi_enum(finance,hr,legal)"},
//	})
//	schema, err := metaminer.BuildSchema(questions)
//
//	cfg, err := metaminer.LoadConfig()
//	q, err := metaminer.NewInquiryFromConfig(ctx, cfg, schema)
//	defer q.Close()
//
//	results, err := q.ProcessDocuments(ctx, []string{"reports/"})
//	err = metaminer.WriteCSV(os.Stdout, q.Records(results))
//
// # Question Files
//
// LoadQuestions reads either a .txt file with one question per line, or a
// .csv file with a question column and optional field_name, data_type and
// default columns. The delimiter of a CSV file is detected.
//
// # Results
//
// Every ExtractionResult carries a Status:
//
//   - ok: every field validated
//   - failed-with-defaults: at least one field fell back to its default or null
//   - failed: the unit could not be processed at all (unreadable document,
//     model call failed after retries, cancellation)
//
// Failures are reported per unit and never abort the other units of a batch.
//
// # Backends
//
// OpenAIInvoker talks to any OpenAI-compatible chat completions server,
// including local ones reached through base_url. GenAIInvoker uses the Gemini
// API. Either can be wrapped in a CachingInvoker backed by SQLite or Redis.
//
// # Cost Estimation
//
// Orchestrator.Explain builds a plan of the calls a batch would make, with
// token estimates and the minimum duration the rate limit imposes, without
// calling the model.
//
// # Type Inference
//
// TypeInferrer suggests a type for each question. The suggestion is advisory
// and falls back to a keyword heuristic when the model is unavailable.
package metaminer
