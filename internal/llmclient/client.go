// internal/llmclient/client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

// ErrNotConfigured is returned by the disabled client.
var ErrNotConfigured = errors.New("no interpreter model configured")

// Request is one single-turn completion.
type Request struct {
	SystemPrompt string
	UserPrompt   string
}

// Completer sends a prompt to a text model and returns its reply.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Provider() config.LLMProvider
}

// NewClient is a factory function that creates a Completer based on the configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (Completer, error) {
	switch cfg.Provider {
	case config.ProviderXAI, config.ProviderDeepSeek, config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'", cfg.Provider)
	}
}

// Disabled is the Completer used when no API key is available. Every call fails,
// which the extraction step turns into zero-valued facts.
type Disabled struct {
	provider config.LLMProvider
}

// NewDisabled returns a Completer that always fails with ErrNotConfigured.
func NewDisabled(provider config.LLMProvider) *Disabled { return &Disabled{provider: provider} }

// Complete implements Completer.
func (d *Disabled) Complete(context.Context, Request) (string, error) { return "", ErrNotConfigured }

// Provider implements Completer.
func (d *Disabled) Provider() config.LLMProvider { return d.provider }

// guard rate-limits calls and retries transient failures.
type guard struct {
	limiter    *rate.Limiter
	maxElapsed time.Duration
	logger     *zap.Logger
	newBackoff func() *backoff.ExponentialBackOff
}

func newGuard(cfg config.LLMModelConfig, logger *zap.Logger) *guard {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 2 * time.Minute
	}
	return &guard{
		limiter:    rate.NewLimiter(limit, burst),
		maxElapsed: maxElapsed,
		logger:     logger,
		newBackoff: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// do runs op until it succeeds, returns a backoff.Permanent error, or the
// retry budget is spent.
func (g *guard) do(ctx context.Context, op func(ctx context.Context) error) error {
	b := g.newBackoff()
	b.MaxElapsedTime = g.maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				g.logger.Warn("LLM request failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
			}
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// retryableStatus reports whether an HTTP status from a model API is worth retrying.
func retryableStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
