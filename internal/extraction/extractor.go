// internal/extraction/extractor.go
package extraction

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

// Progress messages.
const (
	MsgInterpreting   = "AI 解讀計劃書中, 請稍後..."
	MsgInsufficient   = "未能從AI回應中提取足夠的HKD值"
	replyLinePrefix   = "AI 回覆 : "
	annualPremiumLine = "投保時每年保費=%dHKD"
	cashValueLine     = "%d歲退保價值總額=%dHKD"
)

// ErrNoText means the artifact had no readable text layer.
var ErrNoText = errors.New("artifact has no text to interpret")

// Extractor turns document text into ExtractedFacts. It never fails: a broken
// interpreter or an unreadable reply degrades to zero-valued facts.
type Extractor struct {
	interpreter Interpreter
	logger      *zap.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(interpreter Interpreter, logger *zap.Logger) *Extractor {
	return &Extractor{interpreter: interpreter, logger: logger.Named("extraction")}
}

// Extract interprets text and reports the outcome through emit.
func (e *Extractor) Extract(ctx context.Context, text string, req FactRequest, emit progress.EmitFunc) schemas.ExtractedFacts {
	emit(MsgInterpreting)
	if p, ok := e.interpreter.(interface{ Provider() config.LLMProvider }); ok {
		emit(ModelLabel(p.Provider()))
	}

	var partial PartialFacts
	var err error
	if strings.TrimSpace(text) == "" {
		err = ErrNoText
	} else {
		partial, err = e.interpreter.Interpret(ctx, text, req)
	}
	if err != nil {
		e.logger.Warn("Interpretation failed, reporting zero values.", zap.Error(err))
		partial = PartialFacts{}
	}
	if !partial.Complete {
		emit(MsgInsufficient)
		partial = PartialFacts{Reply: partial.Reply}
	}

	emit.Emitf(annualPremiumLine, partial.AnnualPremium)
	emit.Emitf(cashValueLine, req.Age1, partial.Age1CashValue)
	emit.Emitf(cashValueLine, req.Age2, partial.Age2CashValue)

	var lines []string
	if partial.Reply != "" {
		reply := strings.TrimRight(strings.ReplaceAll(partial.Reply, "\r\n", "\n"), "\n")
		lines = strings.Split(reply, "\n")
		for _, line := range lines {
			emit(replyLinePrefix + line)
		}
	}

	return schemas.ExtractedFacts{
		AnnualPremium:  partial.AnnualPremium,
		Age1CashValue:  partial.Age1CashValue,
		Age2CashValue:  partial.Age2CashValue,
		Complete:       partial.Complete,
		InterpreterLog: lines,
	}
}
