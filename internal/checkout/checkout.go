// internal/checkout/checkout.go
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/extraction"
	"github.com/xkilldash9x/quoteflow/internal/network"
	"github.com/xkilldash9x/quoteflow/internal/pipeline"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

// Phases reported in FatalError.
const (
	PhasePreview  = "preview"
	PhaseDecision = "decision"
	PhaseArtifact = "artifact"
	PhaseFinalize = "finalize"
)

var (
	locPreview      = browser.XPath("//button[contains(text(), '預覽「補充說明」')]")
	locErrorBanner  = browser.XPath("//div[contains(@class, 'MuiAccordion-root') and .//p[contains(text(), '錯誤訊息')]]//div[contains(@class, 'MuiAccordionDetails-root')]//a")
	locPreviewFrame = browser.CSS("div.MuiGrid2-root iframe")
	locPremiumCheck = browser.XPath("//div[div/h5='保費及徵費 -']//button")
	locAnnualBlock  = browser.XPath("//p[normalize-space(text())='每年']/..")
	locMonthlyBlock = browser.XPath("//p[normalize-space(text())='每月']/..")
	locMakeProposal = browser.XPath("//button[text()='製作建議書']")
	locViewProposal = browser.XPath("//button[text()='檢視建議書']")
)

var (
	exhaustionPattern = regexp.MustCompile(`由於所有保單值已被提取，本保單將於第(\d+)保單年度終結時終止。`)
	usdPattern        = regexp.MustCompile(`美元\s*([\d,]+\.\d{2})`)
	hkdPattern        = regexp.MustCompile(`港元\s*([\d,]+\.\d{2})`)
)

// Progress messages.
const (
	MsgPreviewClicked = "預覽「補充說明」 已點選"
	MsgArtifactLoad   = "PDF 正在加載..."
	MsgTextExtracted  = "從PDF檔案中提取文本內容"
	MsgCompleted      = "建議書已成功建立及下載到計劃書系統中!"
)

// Request is what one checkout needs to know about the run.
type Request struct {
	Form      schemas.FormInput
	Calc      schemas.CalculationContext
	Targets   schemas.CashValueTargets
	StartedAt time.Time
	// Proxy is the proxy URL the session's browser uses; documents are
	// downloaded through it too. Empty means a direct connection.
	Proxy string
}

// Engine submits a filled proposal form and classifies the portal's answer.
type Engine struct {
	cfg       config.CheckoutConfig
	poll      time.Duration
	fetcher   network.Fetcher
	extractor *extraction.Extractor
	location  *time.Location
	logger    *zap.Logger
	now       func() time.Time
	textOf    func([]byte) (string, error)
}

// NewEngine creates a checkout engine.
func NewEngine(cfg config.CheckoutConfig, poll time.Duration, fetcher network.Fetcher, extractor *extraction.Extractor, location *time.Location, logger *zap.Logger) *Engine {
	if location == nil {
		location = time.UTC
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Engine{
		cfg:       cfg,
		poll:      poll,
		fetcher:   fetcher,
		extractor: extractor,
		location:  location,
		logger:    logger.Named("checkout"),
		now:       time.Now,
		textOf:    extraction.PlainText,
	}
}

// Checkout previews the proposal, then either reports a retryable rejection or
// produces the final document. Any error returned is a *FatalError.
func (e *Engine) Checkout(ctx context.Context, agent browser.Agent, req Request, emit progress.EmitFunc) (schemas.CheckoutOutcome, error) {
	out, err := e.checkout(ctx, agent, req, emit)
	if err != nil {
		var fe *FatalError
		if errors.As(err, &fe) && fe.Phase == PhaseDecision && browser.IsKind(fe.Err, browser.KindTimeout) {
			emit.Emitf("Error: %s", fe.Error())
		} else {
			emit.Emitf("Unexpected error: %s", err.Error())
		}
		e.logger.Warn("Checkout failed.", zap.Error(err))
		return schemas.CheckoutOutcome{}, err
	}
	return out, nil
}

func (e *Engine) checkout(ctx context.Context, agent browser.Agent, req Request, emit progress.EmitFunc) (schemas.CheckoutOutcome, error) {
	if err := pipeline.Click(ctx, agent, emit, locPreview, MsgPreviewClicked); err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhasePreview, "preview button unavailable", err)
	}
	if err := sleep(ctx, e.cfg.PreviewSettle); err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhasePreview, "canceled", err)
	}

	verdict, err := e.awaitDecision(ctx, agent)
	if err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseDecision, "neither an error banner nor a preview appeared", err)
	}

	prior, err := FormatAmount(req.Form.NotionalAmount)
	if err != nil {
		e.logger.Warn("Could not format the prior notional amount.", zap.Error(err))
		prior = req.Form.NotionalAmount
	}

	if verdict.banner {
		emit.Emitf("系統信息: %s", bannerDetail(verdict.text))
		return schemas.CheckoutOutcome{
			Kind:    schemas.OutcomeRetry,
			Message: fmt.Sprintf("%s\n 對上一次輸入的名義金額為$%s", verdict.text, prior),
		}, nil
	}

	emit(MsgArtifactLoad)
	filename := Filename(req.Form.BasicPlan, e.now(), e.location)
	preview, text, err := e.fetchPreview(ctx, agent, req.Proxy)
	if err != nil {
		return schemas.CheckoutOutcome{}, err
	}
	if year, ok := exhaustionYear(text); ok {
		ending := req.Calc.EntryAge() + year
		notice := fmt.Sprintf("由於所有保單值已被提取，本保單將於第%d保單年度(第%d歲)終止", year, ending)
		emit.Emitf("系統信息: %s", notice)
		return schemas.CheckoutOutcome{
			Kind:     schemas.OutcomeRetry,
			Message:  fmt.Sprintf("%s \n 對上一次輸入的名義金額為$%s", notice, prior),
			Artifact: preview,
			Filename: filename,
		}, nil
	}

	return e.finalize(ctx, agent, req, filename, emit)
}

type decision struct {
	banner bool
	text   string
}

// awaitDecision polls for the error banner or a visible preview frame until
// the decision window closes.
func (e *Engine) awaitDecision(ctx context.Context, agent browser.Agent) (decision, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.DecisionWindow)
	defer cancel()
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		banner, err := agent.Probe(waitCtx, locErrorBanner)
		if err != nil && waitCtx.Err() == nil {
			return decision{}, err
		}
		if banner.Found {
			text := banner.Text
			if text == "" {
				if t, err := agent.Text(ctx, locErrorBanner); err == nil {
					text = t
				}
			}
			return decision{banner: true, text: strings.TrimSpace(text)}, nil
		}
		frame, err := agent.Probe(waitCtx, locPreviewFrame)
		if err != nil && waitCtx.Err() == nil {
			return decision{}, err
		}
		if frame.Found && frame.Visible {
			return decision{}, nil
		}

		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return decision{}, err
			}
			return decision{}, &browser.Error{Op: "wait-decision", Kind: browser.KindTimeout, Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

// fetchPreview downloads the document shown in the preview frame and reads its text.
// An unreadable text layer is logged and treated as "no exhaustion notice".
func (e *Engine) fetchPreview(ctx context.Context, agent browser.Agent, proxy string) ([]byte, string, error) {
	src, ok, err := agent.Attribute(ctx, locPreviewFrame, "src")
	if err != nil {
		return nil, "", fatal(PhaseArtifact, "preview frame vanished", err)
	}
	if !ok || src == "" {
		return nil, "", fatal(PhaseArtifact, "preview frame has no source", nil)
	}
	src, _, _ = strings.Cut(src, "#")

	current, err := agent.CurrentURL(ctx)
	if err != nil {
		return nil, "", fatal(PhaseArtifact, "cannot read current location", err)
	}
	target, err := resolve(current, src)
	if err != nil {
		return nil, "", fatal(PhaseArtifact, "bad preview source", err)
	}

	data, err := e.download(ctx, agent, target, current, proxy)
	if err != nil {
		return nil, "", fatal(PhaseArtifact, "preview download failed", err)
	}
	text, err := e.textOf(data)
	if err != nil {
		e.logger.Warn("Preview text unreadable, skipping the exhaustion check.", zap.Error(err))
	}
	return data, text, nil
}

func (e *Engine) finalize(ctx context.Context, agent browser.Agent, req Request, filename string, emit progress.EmitFunc) (schemas.CheckoutOutcome, error) {
	if err := pipeline.Click(ctx, agent, emit, locPremiumCheck, "核對 已點選"); err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "premium summary unavailable", err)
	}
	e.logPremiums(ctx, agent)

	if err := pipeline.Click(ctx, agent, emit, locMakeProposal, "製作建議書 已點選"); err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "cannot create proposal", err)
	}
	before, err := agent.Windows(ctx)
	if err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "cannot list windows", err)
	}
	if err := pipeline.Click(ctx, agent, emit, locViewProposal, "檢視建議書 已點選"); err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "cannot view proposal", err)
	}

	window, err := browser.WaitNewWindow(ctx, agent, before, isDocumentWindow, e.cfg.FinalizeWait, e.poll)
	if err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "document window did not open", err)
	}
	artifact, err := e.download(ctx, agent, window.URL, window.URL, req.Proxy)
	if err != nil {
		return schemas.CheckoutOutcome{}, fatal(PhaseFinalize, "document download failed", err)
	}
	text, err := e.textOf(artifact)
	if err != nil {
		e.logger.Warn("Document text unreadable.", zap.Error(err))
	} else {
		emit(MsgTextExtracted)
	}

	emit.Emitf("基本儲蓄計劃是=%s", req.Form.BasicPlan)
	facts := e.extractor.Extract(ctx, text, extraction.FactRequest{
		Age1:         req.Targets.Age1,
		Age2:         req.Targets.Age2,
		CurrencyRate: req.Calc.Inputs.CurrencyRate.Float(),
	}, emit)

	emit.Emitf("v1.0 所需時間 = %s", Elapsed(e.now().Sub(req.StartedAt)))
	emit(MsgCompleted)

	return schemas.CheckoutOutcome{
		Kind:     schemas.OutcomeSuccess,
		Artifact: artifact,
		Filename: filename,
		Facts:    facts,
	}, nil
}

// logPremiums records the quoted premiums. The summary layout varies between
// plans, so nothing here fails the checkout.
func (e *Engine) logPremiums(ctx context.Context, agent browser.Agent) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.FinalizeWait)
	defer cancel()
	for _, block := range []struct {
		name string
		loc  browser.Locator
	}{{"annual", locAnnualBlock}, {"monthly", locMonthlyBlock}} {
		text, err := agent.Text(waitCtx, block.loc)
		if err != nil {
			e.logger.Debug("Premium block not readable.", zap.String("block", block.name), zap.Error(err))
			continue
		}
		e.logger.Info("Quoted premium.",
			zap.String("block", block.name),
			zap.String("usd", firstGroup(usdPattern, text)),
			zap.String("hkd", firstGroup(hkdPattern, text)))
	}
}

// download fetches a document with the browser's cookies for target.
func (e *Engine) download(ctx context.Context, agent browser.Agent, target, referer, proxy string) ([]byte, error) {
	cookies, err := agent.Cookies(ctx, target)
	if err != nil {
		return nil, err
	}
	return e.fetcher.Fetch(ctx, network.FetchRequest{
		URL:     target,
		Referer: referer,
		Cookies: cookies,
		Proxy:   proxy,
	})
}

func isDocumentWindow(w browser.Window) bool {
	u, err := url.Parse(w.URL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, ".pdf")
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// exhaustionYear finds the policy year in which withdrawals use up the policy.
func exhaustionYear(text string) (int, bool) {
	m := exhaustionPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// bannerDetail returns the part of a banner after its "code:" prefix.
func bannerDetail(text string) string {
	parts := strings.Split(text, ":")
	if len(parts) < 2 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(parts[1])
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
