package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIExecutor generates completions through the OpenAI API
type OpenAIExecutor struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

func NewOpenAIExecutor() *OpenAIExecutor {
	return &OpenAIExecutor{
		clients: make(map[string]*openai.Client),
	}
}

func (e *OpenAIExecutor) Name() string {
	return "openai"
}

func (e *OpenAIExecutor) Execute(ctx context.Context, req *Request) (interface{}, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return nil, err
	}

	client, err := e.client(req)
	if err != nil {
		return nil, err
	}

	model := req.String("model", defaultOpenAIModel)
	params := openai.ChatCompletionNewParams{
		Model:               model,
		MaxCompletionTokens: openai.Int(int64(req.Int("max_tokens", 4096))),
		N:                   openai.Int(1),
		Messages:            buildOpenAIMessages(req.String("system", ""), prompt),
	}
	if temperature, ok := req.Value("temperature"); ok && temperature != nil {
		params.Temperature = openai.Float(req.Float("temperature", 0))
	}

	response, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	log.Debug().
		Str("model", model).
		Int64("prompt_tokens", response.Usage.PromptTokens).
		Int64("completion_tokens", response.Usage.CompletionTokens).
		Msg("OpenAI API call completed")

	return map[string]interface{}{
		"content": response.Choices[0].Message.Content,
		"model":   response.Model,
		"usage": map[string]interface{}{
			"prompt_tokens":     int(response.Usage.PromptTokens),
			"completion_tokens": int(response.Usage.CompletionTokens),
			"total_tokens":      int(response.Usage.TotalTokens),
		},
	}, nil
}

func (e *OpenAIExecutor) client(req *Request) (*openai.Client, error) {
	apiKey := req.String("api_key", os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required (set OPENAI_API_KEY or the tool's api_key)")
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
	client := openai.NewClient(opts...)
	e.clients[cacheKey] = &client
	return &client, nil
}

func buildOpenAIMessages(system, prompt string) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))
	return messages
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && retryableStatus(apiErr.StatusCode) {
		return NewRetryableError(fmt.Errorf("OpenAI API call failed: %w", err), true)
	}
	return fmt.Errorf("OpenAI API call failed: %w", err)
}
