// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

// Stage names, in execution order.
const (
	StagePortalEntry    = "portal-entry"
	StageCredentials    = "credentials"
	StageProposalSystem = "proposal-system"
	StageApplicant      = "applicant"
	StagePlan           = "plan"
	StageVariantFields  = "variant-fields"
)

// loginCheckWait bounds how long the login notice is looked for.
const loginCheckWait = 3 * time.Second

// Pipeline fills the proposal form for one submission.
type Pipeline struct {
	catalog    *Catalog
	cfg        config.BrowserConfig
	logger     *zap.Logger
	loginCheck time.Duration
}

// New creates a pipeline over the given capability table.
func New(catalog *Catalog, cfg config.BrowserConfig, logger *zap.Logger) *Pipeline {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Pipeline{
		catalog:    catalog,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
		loginCheck: loginCheckWait,
	}
}

// Catalog returns the variant capability table.
func (p *Pipeline) Catalog() *Catalog { return p.catalog }

// Stages returns the ordered stage list for one run. Credentials are captured
// by the first two stages only and are not retained by the pipeline.
func (p *Pipeline) Stages(creds schemas.Credentials) []Stage {
	return []Stage{
		{Name: StagePortalEntry, Run: p.portalEntry(creds.URL)},
		{Name: StageCredentials, Run: p.credentials(creds.Username, creds.Password)},
		{Name: StageProposalSystem, Run: p.proposalSystem},
		{Name: StageApplicant, Run: p.applicant},
		{Name: StagePlan, Run: p.plan},
		{Name: StageVariantFields, Run: p.variantFields},
	}
}

// Run executes every stage against agent.
func (p *Pipeline) Run(ctx context.Context, agent browser.Agent, creds schemas.Credentials, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	res := RunStages(ctx, p.Stages(creds), agent, in, calc, emit)
	if !res.OK() {
		p.logger.Warn("Form-fill pipeline stopped.",
			zap.String("stage", res.Failure.Stage),
			zap.String("kind", string(res.Failure.Kind)),
			zap.Error(res.Failure.Err))
	}
	return res
}

// RefillNotional replaces the notional amount on the live form before a retry.
func (p *Pipeline) RefillNotional(ctx context.Context, agent browser.Agent, in schemas.FormInput, emit progress.EmitFunc) StageResult {
	variant, err := p.catalog.Lookup(in.BasicPlan)
	if err != nil {
		return named(StageVariantFields, Fail(FailureInput, "不支援的基本計劃", err))
	}
	a := p.actor(agent, emit)
	if err := a.fill(ctx, variant.NotionalAmount.Field, in.NotionalAmount, MsgNotionalRefilled); err != nil {
		return named(StageVariantFields, agentFailure(ctx, "無法更新名義金額", err))
	}
	return Continue()
}

func (p *Pipeline) actor(agent browser.Agent, emit progress.EmitFunc) actor {
	return actor{agent: agent, emit: emit, poll: p.cfg.PollInterval}
}

func (p *Pipeline) portalEntry(url string) StageFunc {
	return func(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
		a := p.actor(agent, emit)
		if err := agent.Navigate(ctx, url); err != nil {
			return agentFailure(ctx, "無法開啟網站", err)
		}
		before, err := agent.Windows(ctx)
		if err != nil {
			return agentFailure(ctx, "無法讀取視窗", err)
		}
		if err := a.click(ctx, locLoginLink, "登入已點選"); err != nil {
			return agentFailure(ctx, "找不到登入連結", err)
		}
		if err := a.click(ctx, locAdvisorEntry, "理財顧問已點選"); err != nil {
			return agentFailure(ctx, "找不到理財顧問入口", err)
		}
		// The advisor login usually opens in a new window; stay put if it does not.
		if _, err := browser.WaitNewWindow(ctx, agent, before, nil, p.cfg.ElementWait, p.cfg.PollInterval); err != nil {
			if ctx.Err() != nil || !browser.IsKind(err, browser.KindTimeout) {
				return agentFailure(ctx, "無法切換至登入視窗", err)
			}
			p.logger.Debug("Advisor login stayed in the current window.")
		}
		return Continue()
	}
}

func (p *Pipeline) credentials(username, password string) StageFunc {
	return func(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
		a := p.actor(agent, emit)
		if err := a.waitVisible(ctx, locUsername, p.cfg.PageWait); err != nil {
			return agentFailure(ctx, "登入頁面未能載入", err)
		}
		if err := a.fill(ctx, locUsername, username, "使用者名稱已發送"); err != nil {
			return agentFailure(ctx, "無法輸入使用者名稱", err)
		}
		if err := a.fill(ctx, locPassword, password, "密碼已發送"); err != nil {
			return agentFailure(ctx, "無法輸入密碼", err)
		}
		if err := a.click(ctx, locSubmit, "提交已點選"); err != nil {
			return agentFailure(ctx, "無法提交登入", err)
		}

		// A notice page replaces the dashboard when the advisor must sign in elsewhere first.
		err := a.waitVisible(ctx, locLoginNotice, p.loginCheck)
		switch {
		case err == nil:
			notice, probeErr := agent.Probe(ctx, locLoginNotice)
			if probeErr != nil {
				return agentFailure(ctx, "無法讀取登入結果", probeErr)
			}
			if strings.Contains(notice.Text, loginBlockedNotice) {
				emit(MsgLoginRequired)
				return Fail(FailureAuthentication, MsgLoginRequired, nil)
			}
		case ctx.Err() != nil:
			return agentFailure(ctx, "登入已取消", err)
		case !browser.IsKind(err, browser.KindTimeout):
			return agentFailure(ctx, "無法讀取登入結果", err)
		}
		return Continue()
	}
}

func (p *Pipeline) proposalSystem(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	a := p.actor(agent, emit)
	if err := a.waitVisible(ctx, locMarketing, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "找不到營銷系統", err)
	}
	if err := a.click(ctx, locMarketing, "營銷系統已點選"); err != nil {
		return agentFailure(ctx, "找不到營銷系統", err)
	}
	before, err := agent.Windows(ctx)
	if err != nil {
		return agentFailure(ctx, "無法讀取視窗", err)
	}
	if err := a.click(ctx, locProposalEntry, "建議書系統已點選"); err != nil {
		return agentFailure(ctx, "找不到建議書系統", err)
	}
	if _, err := browser.WaitNewWindow(ctx, agent, before, nil, p.cfg.PageWait, p.cfg.PollInterval); err != nil {
		return agentFailure(ctx, "建議書系統視窗未有開啟", err)
	}
	if err := a.waitVisible(ctx, locStartProposal, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "建議書系統未能載入", err)
	}
	if err := a.click(ctx, locStartProposal, "確認 已點選 開始制作建議書打"); err != nil {
		return agentFailure(ctx, "無法開始制作建議書", err)
	}
	return Continue()
}

func (p *Pipeline) applicant(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	a := p.actor(agent, emit)
	if err := a.waitVisible(ctx, locSurname, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "申請人資料頁面未能載入", err)
	}
	if err := a.fill(ctx, locSurname, in.Surname, "英文姓氏 已填"); err != nil {
		return agentFailure(ctx, "無法輸入英文姓氏", err)
	}
	if err := a.fill(ctx, locGivenName, in.GivenName, "英文名字 已填"); err != nil {
		return agentFailure(ctx, "無法輸入英文名字", err)
	}

	gender, genderMsg := locGenderMale, "男性已點選"
	if in.IsFemale() {
		gender, genderMsg = locGenderFemale, "女性已點選"
	}
	if err := a.click(ctx, gender, genderMsg); err != nil {
		return agentFailure(ctx, "無法選擇性別", err)
	}

	smoker, smokerMsg := locNonSmoker, "非吸煙者已點選"
	if in.IsSmoker {
		smoker, smokerMsg = locSmoker, "吸煙者已點選"
	}
	if err := a.click(ctx, smoker, smokerMsg); err != nil {
		return agentFailure(ctx, "無法選擇吸煙狀況", err)
	}

	if err := a.fill(ctx, locEntryAge, strconv.Itoa(calc.EntryAge()), "歲數已填"); err != nil {
		return agentFailure(ctx, "無法輸入歲數", err)
	}

	// The hidden select sometimes refuses the click; its wrapper opens the menu.
	if err := agent.Click(ctx, locNationality); err != nil {
		if ctx.Err() != nil {
			return agentFailure(ctx, "無法選擇國籍", err)
		}
		emit("國籍已點選")
		if err := a.click(ctx, locNationalityWrap, ""); err != nil {
			return agentFailure(ctx, "無法選擇國籍", err)
		}
	} else {
		emit("成功點選")
	}
	if err := a.click(ctx, locNationalityHK, "中國香港已點選"); err != nil {
		return agentFailure(ctx, "無法選擇國籍", err)
	}
	return Continue()
}

func (p *Pipeline) plan(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	variant, err := p.catalog.Lookup(in.BasicPlan)
	if err != nil {
		emit(fmt.Sprintf("不支援的基本計劃: %s", in.BasicPlan))
		return Fail(FailureInput, "不支援的基本計劃", err)
	}
	a := p.actor(agent, emit)
	open := Step{Click: variant.Plan.Open, JS: variant.Plan.JSOpen, Message: "基本計劃 已點選"}
	if err := a.step(ctx, open); err != nil {
		return agentFailure(ctx, "找不到基本計劃選單", err)
	}
	emit(fmt.Sprintf("基本計劃 = %s", in.BasicPlan))
	if err := a.click(ctx, variant.Plan.Option, variant.Plan.Message); err != nil {
		return agentFailure(ctx, "找不到基本計劃選項", err)
	}
	return Continue()
}

func (p *Pipeline) variantFields(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	variant, err := p.catalog.Lookup(in.BasicPlan)
	if err != nil {
		return Fail(FailureInput, "不支援的基本計劃", err)
	}
	a := p.actor(agent, emit)
	w := variant.Withdrawal

	// Validate the numbers before touching the form.
	gridRows := !w.InflationField || !in.UseInflation
	plan, err := PlanWithdrawals(in, calc, gridRows)
	if err != nil {
		emit(fmt.Sprintf("提取資料錯誤: %v", err))
		return Fail(FailureInput, "提取資料錯誤", err)
	}
	period, ok := resolveRequired(variant.PaymentPeriod, in.PremiumPaymentPeriod)
	if !ok {
		emit(fmt.Sprintf("不支援的保費繳付期: %s", in.PremiumPaymentPeriod))
		return Fail(FailureInput, "不支援的保費繳付期", fmt.Errorf("payment period %q not offered for %s", in.PremiumPaymentPeriod, variant.Code))
	}

	if err := a.waitVisible(ctx, variant.NotionalAmount.Field, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "找不到名義金額欄位", err)
	}
	if err := a.fill(ctx, variant.NotionalAmount.Field, in.NotionalAmount, variant.NotionalAmount.Message); err != nil {
		return agentFailure(ctx, "無法輸入名義金額", err)
	}

	emit(fmt.Sprintf("number_of_years = %s", in.PremiumPaymentPeriod))
	if err := a.choose(ctx, variant.PaymentPeriod, period); err != nil {
		return agentFailure(ctx, "無法選擇保費繳付期", err)
	}

	for _, extra := range variant.Extras {
		if err := a.step(ctx, extra); err != nil {
			return agentFailure(ctx, "無法設定計劃選項", err)
		}
	}
	if res := p.optionalChoice(ctx, a, variant.Currency, in.Currency, "無法選擇貨幣"); !res.OK() {
		return res
	}
	if res := p.optionalChoice(ctx, a, variant.PaymentMethod, in.PremiumPaymentMethod, "無法選擇保費繳付方式"); !res.OK() {
		return res
	}

	emit(fmt.Sprintf("useInflation = %t", in.UseInflation))
	for _, s := range w.Setup {
		if err := a.step(ctx, s); err != nil {
			return agentFailure(ctx, "無法開啟提取設定", err)
		}
	}
	emit(fmt.Sprintf("由(保單年度) = %d", plan.StartPolicyYear))
	emit(fmt.Sprintf("提取期(年) = %d", plan.Years))

	switch w.Mode {
	case ModePerYearGrid:
		return p.fillPerYearGrid(ctx, a, w, plan)
	case ModeSummaryThenGrid:
		return p.fillSummaryThenGrid(ctx, a, w, plan)
	default:
		return Fail(FailureStructural, "未知的提取模式", fmt.Errorf("withdrawal mode %q", w.Mode))
	}
}

// optionalChoice applies a dropdown only when the variant has one and the
// submitted value maps onto it.
func (p *Pipeline) optionalChoice(ctx context.Context, a actor, c *Choice, input, failMsg string) StageResult {
	if c == nil {
		return Continue()
	}
	value, skip, ok := c.Resolve(input)
	if skip || !ok {
		return Continue()
	}
	if err := a.choose(ctx, *c, value); err != nil {
		return agentFailure(ctx, failMsg, err)
	}
	return Continue()
}

func resolveRequired(c Choice, input string) (string, bool) {
	value, skip, ok := c.Resolve(input)
	if skip || !ok {
		return "", false
	}
	return value, true
}

func (p *Pipeline) fillPerYearGrid(ctx context.Context, a actor, w Withdrawal, plan WithdrawalPlan) StageResult {
	if len(plan.Rows) > 0 {
		first := render(w.RowField, map[string]string{"year": strconv.Itoa(plan.Rows[0].PolicyYear)})
		if err := a.waitVisible(ctx, first, p.cfg.PageWait); err != nil {
			return agentFailure(ctx, "提取表格未能載入", err)
		}
	}
	for _, row := range plan.Rows {
		field := render(w.RowField, map[string]string{"year": strconv.Itoa(row.PolicyYear)})
		msg := fmt.Sprintf("已填 翌年歲= %d 保單年度終結=  %d  現金提取=$%d", row.Age, row.PolicyYear, row.Amount)
		if err := a.fill(ctx, field, strconv.Itoa(row.Amount), msg); err != nil {
			return agentFailure(ctx, fmt.Sprintf("無法輸入第%d保單年度提取金額", row.PolicyYear), err)
		}
	}
	return Continue()
}

func (p *Pipeline) fillSummaryThenGrid(ctx context.Context, a actor, w Withdrawal, plan WithdrawalPlan) StageResult {
	if err := a.waitVisible(ctx, w.FromYear, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "提取設定未能載入", err)
	}
	if err := a.fill(ctx, w.FromYear, strconv.Itoa(plan.StartPolicyYear), "由(保單年度) 已填"); err != nil {
		return agentFailure(ctx, "無法輸入提取開始年度", err)
	}
	if err := a.fill(ctx, w.Years, strconv.Itoa(plan.Years), "提取期(年) 已填"); err != nil {
		return agentFailure(ctx, "無法輸入提取期", err)
	}
	if err := a.fill(ctx, w.Amount, strconv.Itoa(plan.SummaryAmount), "每年提取金額 已填"); err != nil {
		return agentFailure(ctx, "無法輸入每年提取金額", err)
	}
	if plan.UseInflation && w.InflationField {
		if err := a.fill(ctx, w.InflationRate, plan.InflationRate, "通貨膨脹率 已填"); err != nil {
			return agentFailure(ctx, "無法輸入通貨膨脹率", err)
		}
	}
	if err := a.step(ctx, w.Submit); err != nil {
		return agentFailure(ctx, "無法加入提取設定", err)
	}
	if len(plan.Rows) == 0 {
		return Continue()
	}

	// The generated grid is keyed by "year/age"; its inputs share one id sequence.
	first := plan.Rows[0]
	anchor := render(w.GridAnchor, map[string]string{
		"year": strconv.Itoa(first.PolicyYear),
		"age":  strconv.Itoa(first.Age),
	})
	if err := a.waitVisible(ctx, anchor, p.cfg.PageWait); err != nil {
		return agentFailure(ctx, "提取表格未能載入", err)
	}
	id, _, err := a.agent.Attribute(ctx, anchor, "id")
	if err != nil {
		return agentFailure(ctx, "找不到提取表格欄位", err)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, w.GridIDPrefix))
	if err != nil {
		return Fail(FailureStructural, "提取表格欄位格式不符", fmt.Errorf("grid input id %q: %w", id, err))
	}
	base := n + w.GridOffset
	a.emit(fmt.Sprintf("元素的 ID 是 %d", base))

	for idx, row := range plan.Rows {
		field := browser.ID(w.GridIDPrefix + strconv.Itoa(base+idx*w.GridStride))
		msg := fmt.Sprintf("已填 %d/%d(%d) in field index = %d", row.PolicyYear, row.Age, row.Amount, base+idx*w.GridStride)
		if err := a.fill(ctx, field, strconv.Itoa(row.Amount), msg); err != nil {
			return agentFailure(ctx, fmt.Sprintf("無法輸入第%d保單年度提取金額", row.PolicyYear), err)
		}
	}
	return Continue()
}
