// Package llm implements the capabilities.Generator boundary with the OpenAI
// Chat Completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/forgeline-dev/testforge/capabilities"
	"github.com/forgeline-dev/testforge/coreengine/logging"
	"github.com/forgeline-dev/testforge/coreengine/observability"
)

// DefaultModel is used when configuration names no model.
const DefaultModel = openai.ChatModelGPT4oMini

// systemPrompt frames every generation request. Task-specific instructions
// travel in the user prompt built by the planning capability.
const systemPrompt = "You are a test automation assistant. Respond exactly in the format the request asks for, with no surrounding prose."

// completionClient is the slice of the OpenAI SDK the adapter calls; swapped
// in tests.
type completionClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Config holds the connection and sampling settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Temperature is passed through when positive.
	Temperature float64
	// MaxTokens bounds the completion when positive.
	MaxTokens int64
}

// Client generates text through chat completions.
type Client struct {
	chat        completionClient
	model       openai.ChatModel
	temperature float64
	maxTokens   int64
	logger      logging.Logger
}

var _ capabilities.Generator = (*Client)(nil)

// New creates a Client from configuration. A nil logger is replaced by a nop.
func New(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	oc := openai.NewClient(opts...)

	model := DefaultModel
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}
	return &Client{
		chat:        &oc.Chat.Completions,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logging.OrNop(logger),
	}, nil
}

// Generate sends one completion request and returns the first choice's text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("llm: prompt is empty")
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		observability.RecordLLMCall(string(c.model), "error", elapsed, 0)
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	observability.RecordLLMCall(string(c.model), "success", elapsed, resp.Usage.TotalTokens)
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", errors.New("llm: chat completion returned empty content")
	}

	c.logger.Debug("generation_completed",
		"model", string(c.model),
		"prompt_chars", len(prompt),
		"completion_chars", len(content),
		"total_tokens", resp.Usage.TotalTokens)
	return content, nil
}
