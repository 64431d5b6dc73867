// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint: x.ai,
// DeepSeek and OpenAI itself.
type OpenAIClient struct {
	client openai.Client
	config config.LLMModelConfig
	guard  *guard
	logger *zap.Logger
}

var _ Completer = (*OpenAIClient)(nil)

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger, opts ...option.RequestOption) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%s model is required", cfg.Provider)
	}

	log := logger.Named("llm_client." + string(cfg.Provider))
	base := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		// Retries are handled by the guard so they share the rate limiter.
		option.WithMaxRetries(0),
	}
	if cfg.Endpoint != "" {
		base = append(base, option.WithBaseURL(cfg.Endpoint))
	}

	return &OpenAIClient{
		client: openai.NewClient(append(base, opts...)...),
		config: cfg,
		guard:  newGuard(cfg, log),
		logger: log,
	}, nil
}

// Provider implements Completer.
func (c *OpenAIClient) Provider() config.LLMProvider { return c.config.Provider }

// Complete sends the prompts as a system and a user message.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
	}
	// Reasoning models reject sampling parameters.
	if c.config.Provider != config.ProviderDeepSeek {
		params.Temperature = openai.Float(float64(c.config.Temperature))
	}
	if c.config.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.config.MaxTokens))
	}

	var content string
	err := c.guard.do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return c.classify(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(errors.New("model returned no choices"))
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			return fmt.Errorf("model returned empty content (finish reason: %s)", resp.Choices[0].FinishReason)
		}

		c.logger.Info("LLM generation complete",
			zap.String("model", resp.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		)
		content = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		c.logger.Error("Model API returned error status", zap.Int("status", apiErr.StatusCode), zap.Error(err))
		if retryableStatus(apiErr.StatusCode) {
			return err
		}
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	return err
}
