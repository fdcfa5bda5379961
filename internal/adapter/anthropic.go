package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicExecutor generates completions through the Anthropic API
type AnthropicExecutor struct {
	mu      sync.Mutex
	clients map[string]*anthropic.Client
}

func NewAnthropicExecutor() *AnthropicExecutor {
	return &AnthropicExecutor{
		clients: make(map[string]*anthropic.Client),
	}
}

func (e *AnthropicExecutor) Name() string {
	return "anthropic"
}

func (e *AnthropicExecutor) Execute(ctx context.Context, req *Request) (interface{}, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return nil, err
	}

	client, err := e.client(req)
	if err != nil {
		return nil, err
	}

	model := req.String("model", defaultAnthropicModel)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(req.Int("max_tokens", 8192)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system := req.String("system", ""); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if temperature, ok := req.Value("temperature"); ok && temperature != nil {
		params.Temperature = anthropic.Float(req.Float("temperature", 0))
	}

	response, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	var content strings.Builder
	for _, block := range response.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}

	log.Debug().
		Str("model", model).
		Int64("input_tokens", response.Usage.InputTokens).
		Int64("output_tokens", response.Usage.OutputTokens).
		Msg("Anthropic API call completed")

	return map[string]interface{}{
		"content": content.String(),
		"model":   string(response.Model),
		"usage": map[string]interface{}{
			"prompt_tokens":     int(response.Usage.InputTokens),
			"completion_tokens": int(response.Usage.OutputTokens),
			"total_tokens":      int(response.Usage.InputTokens + response.Usage.OutputTokens),
		},
	}, nil
}

func (e *AnthropicExecutor) client(req *Request) (*anthropic.Client, error) {
	apiKey := req.String("api_key", os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required (set ANTHROPIC_API_KEY or the tool's api_key)")
	}
	baseURL := req.String("base_url", "")

	e.mu.Lock()
	defer e.mu.Unlock()
	cacheKey := apiKey + "|" + baseURL
	if client, ok := e.clients[cacheKey]; ok {
		return client, nil
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	e.clients[cacheKey] = &client
	return &client, nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && retryableStatus(apiErr.StatusCode) {
		return NewRetryableError(fmt.Errorf("Anthropic API call failed: %w", err), true)
	}
	return fmt.Errorf("Anthropic API call failed: %w", err)
}
