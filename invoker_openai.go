package metaminer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// responseMode is how strongly a chat request constrains its output.
type responseMode int32

const (
	modeJSONSchema responseMode = iota
	modeJSONObject
	modeText
)

func (m responseMode) String() string {
	switch m {
	case modeJSONSchema:
		return "json_schema"
	case modeJSONObject:
		return "json_object"
	default:
		return "text"
	}
}

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // e.g. http://localhost:5001/api/v1
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenAIInvoker calls any OpenAI-compatible /chat/completions endpoint.
// It asks for schema-constrained JSON first and steps down to plain JSON
// mode, then free text, the first time the server rejects a format. The
// step-down is remembered for later calls.
type OpenAIInvoker struct {
	api  *openai.Client
	mode atomic.Int32
	log  *slog.Logger
}

// NewOpenAIInvoker builds an invoker. An empty API key is allowed because
// local servers often need none.
func NewOpenAIInvoker(cfg OpenAIConfig) *OpenAIInvoker {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = "not-needed"
	}
	conf := openai.DefaultConfig(apiKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		conf.BaseURL = strings.TrimRight(base, "/")
	}
	if cfg.HTTPClient != nil {
		conf.HTTPClient = cfg.HTTPClient
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &OpenAIInvoker{api: openai.NewClientWithConfig(conf), log: log}
}

func (inv *OpenAIInvoker) Generate(ctx context.Context, model Model, prompt string, opts ...GenerateOption) ([]byte, error) {
	cfg := NewGenerateConfig(opts...)
	reqID := uuid.NewString()

	var messages []openai.ChatCompletionMessage
	if cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: cfg.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:    string(model),
		Messages: messages,
	}
	if cfg.Temperature != nil {
		req.Temperature = *cfg.Temperature
	}

	mode := responseMode(inv.mode.Load())
	if len(cfg.Schema) == 0 && mode == modeJSONSchema {
		mode = modeJSONObject
	}
	for {
		req.ResponseFormat = responseFormat(mode, cfg)
		inv.log.Debug("Sending chat completion", "req_id", reqID, "model", string(model), "response_format", mode.String(), "prompt_length", len(prompt))

		resp, err := inv.api.CreateChatCompletion(ctx, req)
		if err != nil {
			if mode < modeText && formatRejected(err) {
				inv.log.Debug("Response format rejected, stepping down", "req_id", reqID, "response_format", mode.String(), "error", err)
				mode++
				inv.downgrade(mode)
				continue
			}
			return nil, classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai: empty response")
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		inv.log.Debug("Received chat completion",
			"req_id", reqID,
			"finish_reason", string(resp.Choices[0].FinishReason),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens)
		return []byte(content), nil
	}
}

func (inv *OpenAIInvoker) downgrade(to responseMode) {
	for {
		cur := inv.mode.Load()
		if cur >= int32(to) || inv.mode.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

func responseFormat(mode responseMode, cfg GenerateConfig) *openai.ChatCompletionResponseFormat {
	switch mode {
	case modeJSONSchema:
		name := cfg.SchemaName
		if name == "" {
			name = "response"
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(cfg.Schema),
				Strict: false,
			},
		}
	case modeJSONObject:
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	default:
		return nil
	}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// formatRejected reports whether the server refused the request shape
// rather than the prompt itself.
func formatRejected(err error) bool {
	switch statusCode(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotImplemented:
		return true
	}
	return false
}

// classifyOpenAIError marks client errors other than timeouts and rate
// limiting as permanent.
func classifyOpenAIError(err error) error {
	code := statusCode(err)
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return fmt.Errorf("openai: %w", err)
	case code >= 400 && code < 500:
		return Permanent(fmt.Errorf("openai: %w", err))
	default:
		return fmt.Errorf("openai: %w", err)
	}
}

const defaultModelName = "gpt-3.5-turbo"

// FirstModel returns the first model the server lists, or fallback when the
// listing fails or is empty.
func (inv *OpenAIInvoker) FirstModel(ctx context.Context, fallback string) string {
	list, err := inv.api.ListModels(ctx)
	if err != nil {
		inv.log.Debug("Listing models failed", "error", err)
		return fallback
	}
	if len(list.Models) == 0 {
		return fallback
	}
	return list.Models[0].ID
}
