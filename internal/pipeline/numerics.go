// internal/pipeline/numerics.go
package pipeline

import (
	"fmt"
	"math"
	"strconv"

	"github.com/xkilldash9x/quoteflow/api/schemas"
)

// PlaceholderAmount is typed into the summary amount field when the per-year
// grid carries the real figures.
const PlaceholderAmount = 1000

// maxInsuredAge bounds the withdrawal horizon.
const maxInsuredAge = 100

// WithdrawalRow is one policy year of the withdrawal schedule.
type WithdrawalRow struct {
	PolicyYear int
	// Age is the insured's age at the end of the policy year.
	Age    int
	Amount int
}

// WithdrawalPlan is everything the variant-fields stage types into the schedule.
type WithdrawalPlan struct {
	StartPolicyYear int
	Years           int
	EntryAge        int
	UseInflation    bool
	// SummaryAmount goes into the per-year amount field of summary-then-grid
	// variants: the placeholder, or the converted start-year premium with inflation.
	SummaryAmount int
	InflationRate string
	Rows          []WithdrawalRow
}

// ConvertAmount turns a local-currency premium into the amount typed into the
// form. Foreign-currency plans divide by the exchange rate. Halves round to
// even.
func ConvertAmount(premium float64, foreign bool, rate float64) (int, error) {
	if !foreign {
		return int(math.RoundToEven(premium)), nil
	}
	if rate <= 0 {
		return 0, fmt.Errorf("currency rate must be positive, got %v", rate)
	}
	return int(math.RoundToEven(premium / rate)), nil
}

// StartPolicyYear is the first policy year after premiums stop.
func StartPolicyYear(paymentPeriodYears int) int {
	return paymentPeriodYears + 1
}

// WithdrawalYears is the number of withdrawal years up to age 100.
func WithdrawalYears(paymentPeriodYears, entryAge int) int {
	return maxInsuredAge - paymentPeriodYears - entryAge
}

// PlanWithdrawals derives the withdrawal schedule. gridRows selects whether the
// per-year rows are produced even when inflation is on (variants without an
// inflation field always need them).
func PlanWithdrawals(in schemas.FormInput, calc schemas.CalculationContext, gridRows bool) (WithdrawalPlan, error) {
	period, err := in.PaymentPeriodYears()
	if err != nil {
		return WithdrawalPlan{}, err
	}
	entryAge := calc.EntryAge()
	plan := WithdrawalPlan{
		StartPolicyYear: StartPolicyYear(period),
		Years:           WithdrawalYears(period, entryAge),
		EntryAge:        entryAge,
		UseInflation:    in.UseInflation,
		SummaryAmount:   PlaceholderAmount,
	}
	if plan.Years <= 0 {
		return WithdrawalPlan{}, fmt.Errorf("no withdrawal years left: entry age %d with %d payment years", entryAge, period)
	}

	foreign := in.IsForeignCurrency()
	rate := calc.Inputs.CurrencyRate.Float()

	if in.UseInflation {
		premium, ok := calc.PremiumAt(plan.StartPolicyYear)
		if !ok {
			return WithdrawalPlan{}, fmt.Errorf("start year %d not found in premium data", plan.StartPolicyYear)
		}
		amount, err := ConvertAmount(premium, foreign, rate)
		if err != nil {
			return WithdrawalPlan{}, err
		}
		plan.SummaryAmount = amount
		plan.InflationRate = strconv.FormatFloat(calc.Inputs.InflationRate.Float(), 'f', -1, 64)
		if !gridRows {
			return plan, nil
		}
	}

	rows := calc.SortedRows()
	start := -1
	for i, row := range rows {
		if row.YearNumber == plan.StartPolicyYear {
			start = i
			break
		}
	}
	if start < 0 {
		return WithdrawalPlan{}, fmt.Errorf("start year %d not found in premium data", plan.StartPolicyYear)
	}
	end := start + plan.Years
	if end > len(rows) {
		end = len(rows)
	}

	plan.Rows = make([]WithdrawalRow, 0, end-start)
	for idx, row := range rows[start:end] {
		amount, err := ConvertAmount(row.MedicalPremium, foreign, rate)
		if err != nil {
			return WithdrawalPlan{}, err
		}
		year := plan.StartPolicyYear + idx
		plan.Rows = append(plan.Rows, WithdrawalRow{
			PolicyYear: year,
			Age:        entryAge + year,
			Amount:     amount,
		})
	}
	return plan, nil
}
