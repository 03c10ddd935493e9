package metaminer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"google.golang.org/genai"
)

// GenAIInvoker implements the Invoker interface using Google GenAI
type GenAIInvoker struct {
	client *genai.Client
	log    *slog.Logger
}

// NewGenAIInvoker creates a Gemini API client for apiKey.
func NewGenAIInvoker(ctx context.Context, apiKey string, log *slog.Logger) (*GenAIInvoker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	return NewGenAIInvokerWithClient(client, log), nil
}

// NewGenAIInvokerWithClient wraps an existing client.
func NewGenAIInvokerWithClient(client *genai.Client, log *slog.Logger) *GenAIInvoker {
	if log == nil {
		log = slog.Default()
	}
	return &GenAIInvoker{client: client, log: log}
}

// Generate generates bytes using the Gemini API via Google GenAI
func (gv *GenAIInvoker) Generate(ctx context.Context, model Model, prompt string, opts ...GenerateOption) ([]byte, error) {
	cfg := NewGenerateConfig(opts...)
	gv.log.Debug("Starting generation", "model", string(model), "prompt_length", len(prompt))

	if gv.client == nil {
		gv.log.Debug("Client not initialized")
		return nil, fmt.Errorf("client not initialized")
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	// Create generation config for JSON output
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      cfg.Temperature,
	}
	if cfg.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}

	resp, err := gv.client.Models.GenerateContent(ctx, string(model), contents, config)
	if err != nil {
		return nil, classifyGenAIError(err)
	}

	gv.log.Debug("Received response", "candidates_count", len(resp.Candidates))

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no parts in candidate content")
	}

	part := candidate.Content.Parts[0]
	if part.Text == "" {
		return nil, fmt.Errorf("no text in first part of response")
	}

	gv.log.Debug("Generated content successfully", "response_length", len(part.Text))
	return []byte(part.Text), nil
}

// classifyGenAIError marks client errors other than timeouts and rate limits
// as permanent.
func classifyGenAIError(err error) error {
	wrapped := fmt.Errorf("genai: generate content: %w", err)
	code := genAIStatusCode(err)
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return wrapped
	case code >= 400 && code < 500:
		return Permanent(wrapped)
	default:
		return wrapped
	}
}

func genAIStatusCode(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code
	}
	return 0
}
