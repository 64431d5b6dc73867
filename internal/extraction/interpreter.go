// internal/extraction/interpreter.go
package extraction

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/llmclient"
)

// Interpreter reads facts out of document text.
type Interpreter interface {
	Interpret(ctx context.Context, text string, req FactRequest) (PartialFacts, error)
}

// LLMInterpreter asks a text model for the facts and parses its reply.
type LLMInterpreter struct {
	completer llmclient.Completer
	logger    *zap.Logger
}

var _ Interpreter = (*LLMInterpreter)(nil)

// NewLLMInterpreter wraps a model client.
func NewLLMInterpreter(completer llmclient.Completer, logger *zap.Logger) *LLMInterpreter {
	return &LLMInterpreter{completer: completer, logger: logger.Named("interpreter")}
}

// Provider names the backing model provider.
func (i *LLMInterpreter) Provider() config.LLMProvider { return i.completer.Provider() }

// Interpret implements Interpreter.
func (i *LLMInterpreter) Interpret(ctx context.Context, text string, req FactRequest) (PartialFacts, error) {
	reply, err := i.completer.Complete(ctx, llmclient.Request{
		SystemPrompt: SystemPrompt(req),
		UserPrompt:   text,
	})
	if err != nil {
		return PartialFacts{}, fmt.Errorf("interpreter request failed: %w", err)
	}
	facts := ParseReply(reply)
	i.logger.Debug("Interpreter replied.",
		zap.Int("reply_len", len(reply)),
		zap.Bool("complete", facts.Complete))
	return facts, nil
}

// ModelLabel is the progress line announcing which model reads the document.
func ModelLabel(provider config.LLMProvider) string {
	switch provider {
	case config.ProviderXAI:
		return "AI模型=X"
	case config.ProviderDeepSeek:
		return "AI模型C使用中"
	default:
		return fmt.Sprintf("AI模型=%s", provider)
	}
}
