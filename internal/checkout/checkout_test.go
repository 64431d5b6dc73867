// internal/checkout/checkout_test.go
package checkout

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/browser/browsertest"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/extraction"
	"github.com/xkilldash9x/quoteflow/internal/mocks"
	"github.com/xkilldash9x/quoteflow/internal/network"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

const (
	proposalURL = "https://portal.test/proposal/edit"
	previewURL  = "https://portal.test/docs/preview.pdf"
	documentURL = "https://portal.test/files/proposal.pdf"
)

var (
	gmt8     = time.FixedZone("GMT+8", 8*60*60)
	fixedNow = time.Date(2026, 10, 17, 1, 2, 30, 0, time.UTC)
)

type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) emit() progress.EmitFunc {
	return func(text string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.lines = append(r.lines, text)
	}
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

type harness struct {
	engine      *Engine
	agent       *browsertest.FakeAgent
	fetcher     *mocks.MockFetcher
	interpreter *mocks.MockInterpreter
	rec         *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	fetcher := new(mocks.MockFetcher)
	interpreter := new(mocks.MockInterpreter)
	cfg := config.CheckoutConfig{
		DecisionWindow: 200 * time.Millisecond,
		FinalizeWait:   200 * time.Millisecond,
	}
	engine := NewEngine(cfg, 5*time.Millisecond, fetcher, extraction.NewExtractor(interpreter, logger), gmt8, logger)
	engine.now = func() time.Time { return fixedNow }
	engine.textOf = func(data []byte) (string, error) { return string(data), nil }

	agent := browsertest.New()
	require.NoError(t, agent.Navigate(context.Background(), proposalURL))
	agent.SetCookies(&http.Cookie{Name: "JSESSIONID", Value: "s1"})

	return &harness{engine: engine, agent: agent, fetcher: fetcher, interpreter: interpreter, rec: &recorder{}}
}

func (h *harness) showPreview(src string) {
	h.agent.OnClick(locPreview, func(f *browsertest.FakeAgent) {
		f.Set(locPreviewFrame, browsertest.Element{Visible: true, Attrs: map[string]string{"src": src}})
	})
}

func (h *harness) run(t *testing.T) (schemas.CheckoutOutcome, error) {
	t.Helper()
	req := Request{
		Form: schemas.FormInput{BasicPlan: "GS", NotionalAmount: "1234567.89"},
		Calc: schemas.CalculationContext{Inputs: schemas.CalculationInputs{
			Age:          35,
			CurrencyRate: 7.8,
		}},
		Targets:   schemas.CashValueTargets{Age1: 65, Age2: 85},
		StartedAt: fixedNow.Add(-125 * time.Second),
	}
	return h.engine.Checkout(context.Background(), h.agent, req, h.rec.emit())
}

func withCookie(url string) interface{} {
	return mock.MatchedBy(func(req network.FetchRequest) bool {
		return req.URL == url && len(req.Cookies) == 1 && req.Cookies[0].Value == "s1"
	})
}

func TestCheckout_ErrorBannerIsRetry(t *testing.T) {
	h := newHarness(t)
	h.agent.OnClick(locPreview, func(f *browsertest.FakeAgent) {
		f.Set(locErrorBanner, browsertest.Element{Visible: true, Text: "E1021: 名義金額低於最低要求"})
	})

	out, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, schemas.OutcomeRetry, out.Kind)
	assert.Equal(t, "E1021: 名義金額低於最低要求\n 對上一次輸入的名義金額為$1,234,567", out.Message)
	assert.False(t, out.HasArtifact())
	assert.Contains(t, h.rec.all(), MsgPreviewClicked)
	assert.Contains(t, h.rec.all(), "系統信息: 名義金額低於最低要求")
	assert.Zero(t, h.agent.Closes(), "retry keeps the agent alive")
	h.fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestCheckout_ExhaustedPolicyIsRetryWithArtifact(t *testing.T) {
	h := newHarness(t)
	h.showPreview("/docs/preview.pdf#page=1")
	h.fetcher.On("Fetch", mock.Anything, mock.MatchedBy(func(req network.FetchRequest) bool {
		return req.URL == previewURL && req.Referer == proposalURL
	})).Return([]byte("... 由於所有保單值已被提取，本保單將於第30保單年度終結時終止。 ..."), nil).Once()

	out, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, schemas.OutcomeRetry, out.Kind)
	assert.Equal(t, "由於所有保單值已被提取，本保單將於第30保單年度(第65歲)終止 \n 對上一次輸入的名義金額為$1,234,567", out.Message)
	assert.True(t, out.HasArtifact())
	assert.Equal(t, "GS_202610170902.pdf", out.Filename)
	lines := h.rec.all()
	assert.Contains(t, lines, MsgArtifactLoad)
	assert.Equal(t, "系統信息: 由於所有保單值已被提取，本保單將於第30保單年度(第65歲)終止", lines[len(lines)-1],
		"the caller must see why the run stopped")
	assert.Zero(t, h.agent.Clicks(locPremiumCheck), "finalize must not start")
	h.fetcher.AssertExpectations(t)
}

func TestCheckout_Success(t *testing.T) {
	h := newHarness(t)
	h.showPreview("preview.pdf")
	h.agent.Set(locAnnualBlock, browsertest.Element{Visible: true, Text: "每年 美元 1,000.00 港元 7,800.00"})
	h.agent.OnClick(locViewProposal, func(f *browsertest.FakeAgent) {
		f.OpenWindow(browser.Window{ID: "document", URL: documentURL})
	})

	h.fetcher.On("Fetch", mock.Anything, withCookie("https://portal.test/proposal/preview.pdf")).
		Return([]byte("preview without notices"), nil).Once()
	h.fetcher.On("Fetch", mock.Anything, withCookie(documentURL)).
		Return([]byte("final document text"), nil).Once()
	h.interpreter.On("Interpret", mock.Anything, "final document text", extraction.FactRequest{Age1: 65, Age2: 85, CurrencyRate: 7.8}).
		Return(extraction.PartialFacts{AnnualPremium: 78000, Age1CashValue: 390000, Age2CashValue: 624000, Complete: true, Reply: "ok"}, nil).Once()

	out, err := h.run(t)
	require.NoError(t, err)

	assert.Equal(t, schemas.OutcomeSuccess, out.Kind)
	assert.Equal(t, []byte("final document text"), out.Artifact)
	assert.Equal(t, "GS_202610170902.pdf", out.Filename)
	assert.Equal(t, 78000, out.Facts.AnnualPremium)
	assert.Equal(t, 390000, out.Facts.Age1CashValue)
	assert.Equal(t, 624000, out.Facts.Age2CashValue)
	assert.Equal(t, "document", h.agent.ActiveWindow())

	lines := h.rec.all()
	assert.Contains(t, lines, "核對 已點選")
	assert.Contains(t, lines, "製作建議書 已點選")
	assert.Contains(t, lines, "檢視建議書 已點選")
	assert.Contains(t, lines, MsgTextExtracted)
	assert.Contains(t, lines, "基本儲蓄計劃是=GS")
	assert.Contains(t, lines, "65歲退保價值總額=390000HKD")
	assert.Contains(t, lines, "v1.0 所需時間 = 02:05")
	assert.Equal(t, MsgCompleted, lines[len(lines)-1])

	h.fetcher.AssertExpectations(t)
	h.interpreter.AssertExpectations(t)
}

func TestCheckout_DecisionTimeoutIsFatal(t *testing.T) {
	h := newHarness(t)
	h.engine.cfg.DecisionWindow = 30 * time.Millisecond

	_, err := h.run(t)
	require.Error(t, err)

	var fe *FatalError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PhaseDecision, fe.Phase)
	assert.True(t, browser.IsKind(err, browser.KindTimeout))

	lines := h.rec.all()
	assert.True(t, strings.HasPrefix(lines[len(lines)-1], "Error: "), lines[len(lines)-1])
}

func TestCheckout_FatalPhases(t *testing.T) {
	t.Run("preview button missing", func(t *testing.T) {
		h := newHarness(t)
		h.agent.FailOn(locPreview, &browser.Error{Op: "click", Kind: browser.KindNotFound})

		_, err := h.run(t)
		var fe *FatalError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, PhasePreview, fe.Phase)
	})

	t.Run("preview download fails", func(t *testing.T) {
		h := newHarness(t)
		h.showPreview(previewURL)
		h.fetcher.On("Fetch", mock.Anything, mock.Anything).Return(nil, network.ErrEmptyArtifact)

		_, err := h.run(t)
		var fe *FatalError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, PhaseArtifact, fe.Phase)
		assert.ErrorIs(t, err, network.ErrEmptyArtifact)
		lines := h.rec.all()
		assert.True(t, strings.HasPrefix(lines[len(lines)-1], "Unexpected error: "))
	})

	t.Run("document window never opens", func(t *testing.T) {
		h := newHarness(t)
		h.engine.cfg.FinalizeWait = 30 * time.Millisecond
		h.showPreview(previewURL)
		h.fetcher.On("Fetch", mock.Anything, mock.Anything).Return([]byte("preview"), nil)

		_, err := h.run(t)
		var fe *FatalError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, PhaseFinalize, fe.Phase)
	})
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"1234567.89", "1,234,567"},
		{"1,000", "1,000"},
		{"999", "999"},
		{" 50000.5 ", "50,000"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got, err := FormatAmount(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := FormatAmount("")
	assert.Error(t, err)
	_, err = FormatAmount("abc")
	assert.Error(t, err)
}

func FuzzFormatAmount(f *testing.F) {
	f.Add([]byte("1234567.89"))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		n, err := consumer.GetUint32()
		if err != nil {
			return
		}
		cents, err := consumer.GetUint16()
		if err != nil {
			return
		}
		raw := strconv.FormatUint(uint64(n), 10)
		got, err := FormatAmount(raw + "." + strconv.FormatUint(uint64(cents), 10))
		require.NoError(t, err)
		assert.Equal(t, raw, strings.ReplaceAll(got, ",", ""))
		for _, group := range strings.Split(got, ",")[1:] {
			assert.Len(t, group, 3)
		}
	})
}

func TestFilenameAndElapsed(t *testing.T) {
	assert.Equal(t, "TRST_202610170902.pdf", Filename("TRST", fixedNow, gmt8))
	assert.Equal(t, "00:00", Elapsed(-time.Second))
	assert.Equal(t, "01:01", Elapsed(61*time.Second+300*time.Millisecond))
	assert.Equal(t, "125:00", Elapsed(125*time.Minute))
}
