// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/browser/browsertest"
	"github.com/xkilldash9x/quoteflow/internal/config"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) emit(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func testConfig() config.BrowserConfig {
	return config.BrowserConfig{
		ElementWait:  30 * time.Millisecond,
		PageWait:     500 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := New(DefaultCatalog(), testConfig(), zaptest.NewLogger(t))
	p.loginCheck = 20 * time.Millisecond
	return p
}

var visible = browsertest.Element{Visible: true}

// portalFake scripts the shared portal pages: popups open on the advisor and
// proposal clicks, and every page the stages wait for is present.
func portalFake() *browsertest.FakeAgent {
	f := browsertest.New()
	for _, loc := range []browser.Locator{locUsername, locMarketing, locStartProposal, locSurname} {
		f.Set(loc, visible)
	}
	f.OnClick(locAdvisorEntry, func(f *browsertest.FakeAgent) {
		f.OpenWindow(browser.Window{ID: "login", URL: "https://portal.test/login"})
	})
	f.OnClick(locProposalEntry, func(f *browsertest.FakeAgent) {
		f.OpenWindow(browser.Window{ID: "proposal", URL: "https://portal.test/proposal"})
	})
	return f
}

func testCreds() schemas.Credentials {
	return schemas.Credentials{URL: "https://portal.test", Username: "agent", Password: "secret"}
}

func trstInput() (schemas.FormInput, schemas.CalculationContext) {
	in := schemas.FormInput{
		Surname:              "CHAN",
		GivenName:            "TAI MAN",
		Gender:               "Female",
		BasicPlan:            "TRST",
		Currency:             "港元",
		NotionalAmount:       "50000",
		PremiumPaymentPeriod: "5",
	}
	calc := schemas.CalculationContext{
		ProcessedData: premiumSeries(100, 100),
		Inputs:        schemas.CalculationInputs{Age: 35},
	}
	return in, calc
}

func TestClick_InterceptedFallsBackToScript(t *testing.T) {
	f := browsertest.New()
	loc := browser.XPath("//button")
	f.Set(loc, browsertest.Element{Visible: true, Covered: true})
	rec := &recorder{}

	err := Click(context.Background(), f, rec.emit, loc, "按鈕已點選")
	require.NoError(t, err)

	assert.Equal(t, []string{MsgClickIntercepted, MsgJSClickOK}, rec.all())
	assert.Equal(t, 2, f.Clicks(loc))
}

func TestClick_Missing(t *testing.T) {
	f := browsertest.New()
	loc := browser.XPath("//button")
	f.Set(loc, browsertest.Element{Visible: false})
	rec := &recorder{}

	err := Click(context.Background(), f, rec.emit, loc, "按鈕已點選")
	require.Error(t, err)
	assert.True(t, browser.IsKind(err, browser.KindTimeout))
	assert.Equal(t, []string{MsgElementMissing}, rec.all())
}

func TestPipeline_TRSTFillsPerYearGrid(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	variant, err := p.Catalog().Lookup("TRST")
	require.NoError(t, err)
	f.Set(variant.NotionalAmount.Field, visible)
	f.Set(browser.Name("form.investments.6.partialSurrenders"), visible)

	in, calc := trstInput()
	rec := &recorder{}
	res := p.Run(context.Background(), f, testCreds(), in, calc, rec.emit)
	require.True(t, res.OK(), "pipeline failed: %v", res.Err())

	assert.Equal(t, []string{"agent"}, f.Filled(locUsername))
	assert.Equal(t, []string{"secret"}, f.Filled(locPassword))
	assert.Equal(t, []string{"35"}, f.Filled(locEntryAge))
	assert.Equal(t, 1, f.Clicks(locGenderFemale))
	assert.Equal(t, 1, f.Clicks(locNonSmoker))
	assert.Equal(t, "proposal", f.ActiveWindow())
	assert.Equal(t, []string{"50000"}, f.Filled(variant.NotionalAmount.Field))

	for year := 6; year <= 65; year++ {
		field := browser.Name("form.investments." + strconv.Itoa(year) + ".partialSurrenders")
		assert.Equal(t, []string{strconv.Itoa(year * 100)}, f.Filled(field), "year %d", year)
	}
	assert.Empty(t, f.Filled(browser.Name("form.investments.66.partialSurrenders")))

	msgs := rec.all()
	assert.Contains(t, msgs, "使用者名稱已發送")
	assert.Contains(t, msgs, "女性已點選")
	assert.Contains(t, msgs, "成功點選")
	assert.Contains(t, msgs, "基本計劃 = TRST")
	assert.Contains(t, msgs, "由(保單年度) = 6")
	assert.Contains(t, msgs, "提取期(年) = 60")
	assert.Contains(t, msgs, "已填 翌年歲= 41 保單年度終結=  6  現金提取=$600")
}

func TestPipeline_TRSTInflationStillFillsGrid(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	variant, _ := p.Catalog().Lookup("TRST")
	f.Set(variant.NotionalAmount.Field, visible)
	f.Set(browser.Name("form.investments.6.partialSurrenders"), visible)

	in, calc := trstInput()
	in.UseInflation = true
	calc.Inputs.InflationRate = 3

	res := p.Run(context.Background(), f, testCreds(), in, calc, (&recorder{}).emit)
	require.True(t, res.OK(), "pipeline failed: %v", res.Err())
	assert.Equal(t, []string{"600"}, f.Filled(browser.Name("form.investments.6.partialSurrenders")))
}

func gsFixture(t *testing.T, p *Pipeline, f *browsertest.FakeAgent, year, age int) Variant {
	t.Helper()
	v, err := p.Catalog().Lookup("GS")
	require.NoError(t, err)
	f.Set(v.NotionalAmount.Field, visible)
	f.Set(v.Withdrawal.FromYear, visible)
	anchor := render(v.Withdrawal.GridAnchor, map[string]string{
		"year": strconv.Itoa(year),
		"age":  strconv.Itoa(age),
	})
	f.Set(anchor, browsertest.Element{Visible: true, Attrs: map[string]string{"id": "mat-input-20"}})
	return v
}

func gsInput() (schemas.FormInput, schemas.CalculationContext) {
	in := schemas.FormInput{
		Surname:              "WONG",
		GivenName:            "SIU MING",
		Gender:               "Male",
		IsSmoker:             true,
		BasicPlan:            "GS",
		Currency:             "美元",
		NotionalAmount:       "20000",
		PremiumPaymentPeriod: "10年",
		PremiumPaymentMethod: "每年",
	}
	calc := schemas.CalculationContext{
		ProcessedData: premiumSeries(100, 780),
		Inputs:        schemas.CalculationInputs{Age: 40, CurrencyRate: 7.8},
	}
	return in, calc
}

func TestPipeline_GSSummaryThenGrid(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	v := gsFixture(t, p, f, 11, 51)

	in, calc := gsInput()
	rec := &recorder{}
	res := p.Run(context.Background(), f, testCreds(), in, calc, rec.emit)
	require.True(t, res.OK(), "pipeline failed: %v", res.Err())

	assert.Equal(t, 1, f.Clicks(locGenderMale))
	assert.Equal(t, 1, f.Clicks(locSmoker))
	assert.Equal(t, 1, f.Clicks(render(v.PaymentPeriod.Option, map[string]string{"value": "10"})))
	assert.Equal(t, 1, f.Clicks(render(v.Currency.Option, map[string]string{"value": "美元"})))
	assert.Zero(t, f.Clicks(v.PaymentMethod.Open), "annual payment is the portal default")

	assert.Equal(t, []string{"11"}, f.Filled(v.Withdrawal.FromYear))
	assert.Equal(t, []string{"50"}, f.Filled(v.Withdrawal.Years))
	assert.Equal(t, []string{strconv.Itoa(PlaceholderAmount)}, f.Filled(v.Withdrawal.Amount))
	assert.Empty(t, f.Filled(v.Withdrawal.InflationRate))

	assert.Equal(t, []string{"1100"}, f.Filled(browser.ID("mat-input-23")))
	assert.Equal(t, []string{"1200"}, f.Filled(browser.ID("mat-input-28")))
	// 50 rows, the last at base + 49 strides.
	assert.Equal(t, []string{"6000"}, f.Filled(browser.ID("mat-input-268")))
	assert.Contains(t, rec.all(), "元素的 ID 是 23")
}

func TestPipeline_GSInflationSkipsGrid(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	v := gsFixture(t, p, f, 11, 51)

	in, calc := gsInput()
	in.UseInflation = true
	calc.Inputs.InflationRate = 2.5

	res := p.Run(context.Background(), f, testCreds(), in, calc, (&recorder{}).emit)
	require.True(t, res.OK(), "pipeline failed: %v", res.Err())

	assert.Equal(t, []string{"1100"}, f.Filled(v.Withdrawal.Amount))
	assert.Equal(t, []string{"2.5"}, f.Filled(v.Withdrawal.InflationRate))
	assert.Empty(t, f.Filled(browser.ID("mat-input-23")))
	assert.Equal(t, 1, f.Clicks(v.Withdrawal.Submit.Click))
}

func TestPipeline_LoginBlocked(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	f.Set(locLoginNotice, browsertest.Element{Visible: true, Text: "請持續使用 PRUForce 應用程式"})

	in, calc := trstInput()
	rec := &recorder{}
	res := p.Run(context.Background(), f, testCreds(), in, calc, rec.emit)

	require.False(t, res.OK())
	assert.Equal(t, FailureAuthentication, res.Failure.Kind)
	assert.Equal(t, StageCredentials, res.Failure.Stage)
	assert.Contains(t, rec.all(), MsgLoginRequired)
	assert.Zero(t, f.Clicks(locMarketing))
}

func TestPipeline_InputFailures(t *testing.T) {
	t.Run("unknown plan", func(t *testing.T) {
		p := newTestPipeline(t)
		in, calc := trstInput()
		in.BasicPlan = "PRUlife"
		res := p.Run(context.Background(), portalFake(), testCreds(), in, calc, (&recorder{}).emit)
		require.False(t, res.OK())
		assert.Equal(t, FailureInput, res.Failure.Kind)
		assert.Equal(t, StagePlan, res.Failure.Stage)
	})

	t.Run("unsupported period", func(t *testing.T) {
		p := newTestPipeline(t)
		f := portalFake()
		variant, _ := p.Catalog().Lookup("TRST")
		f.Set(variant.NotionalAmount.Field, visible)
		in, calc := trstInput()
		in.PremiumPaymentPeriod = "10"
		res := p.Run(context.Background(), f, testCreds(), in, calc, (&recorder{}).emit)
		require.False(t, res.OK())
		assert.Equal(t, FailureInput, res.Failure.Kind)
		assert.Equal(t, StageVariantFields, res.Failure.Stage)
		assert.Empty(t, f.Filled(variant.NotionalAmount.Field), "nothing typed before validation")
	})
}

func TestPipeline_NationalityFallback(t *testing.T) {
	p := newTestPipeline(t)
	f := browsertest.New()
	f.Set(locNationality, browsertest.Element{Visible: false})
	rec := &recorder{}

	in, calc := trstInput()
	res := p.applicant(context.Background(), f, in, calc, rec.emit)
	// The surname field is not registered, so the wait times out first.
	require.False(t, res.OK())

	f.Set(locSurname, visible)
	rec = &recorder{}
	res = p.applicant(context.Background(), f, in, calc, rec.emit)
	require.True(t, res.OK(), "applicant failed: %v", res.Err())
	assert.Contains(t, rec.all(), "國籍已點選")
	assert.Contains(t, rec.all(), "中國香港已點選")
	assert.Equal(t, 1, f.Clicks(locNationalityWrap))
}

func TestPipeline_Canceled(t *testing.T) {
	p := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in, calc := trstInput()
	res := p.Run(ctx, portalFake(), testCreds(), in, calc, (&recorder{}).emit)
	require.False(t, res.OK())
	assert.Equal(t, FailureCanceled, res.Failure.Kind)
	assert.Equal(t, StagePortalEntry, res.Failure.Stage)
}

func TestPipeline_ClosedAgentIsCanceled(t *testing.T) {
	p := newTestPipeline(t)
	f := portalFake()
	require.NoError(t, f.Close(context.Background()))

	in, calc := trstInput()
	res := p.Run(context.Background(), f, testCreds(), in, calc, (&recorder{}).emit)
	require.False(t, res.OK())
	assert.Equal(t, FailureCanceled, res.Failure.Kind)
}

func TestRefillNotional(t *testing.T) {
	p := newTestPipeline(t)
	f := browsertest.New()
	in, _ := trstInput()
	rec := &recorder{}

	res := p.RefillNotional(context.Background(), f, in.WithNotionalAmount("45000"), rec.emit)
	require.True(t, res.OK())

	variant, _ := p.Catalog().Lookup("TRST")
	assert.Equal(t, []string{"45000"}, f.Filled(variant.NotionalAmount.Field))
	assert.Equal(t, []string{MsgNotionalRefilled}, rec.all())
}
