// api/schemas/quote.go
package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ForeignCurrencyLabel is the portal's label for the USD denomination. Any other
// currency value is treated as local (HKD).
const ForeignCurrencyLabel = "美元"

// Number accepts both JSON numbers and numeric strings. The calculation payload
// produced by the front end is not consistent about which one it sends.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Int returns the value truncated to an int.
func (n Number) Int() int { return int(n) }

// Float returns the value as a float64.
func (n Number) Float() float64 { return float64(n) }

// FormInput is the immutable snapshot of everything the caller supplied for one
// submission attempt.
type FormInput struct {
	IsCorporateCustomer  bool   `json:"isCorporateCustomer"`
	IsPolicyHolder       bool   `json:"isPolicyHolder"`
	Surname              string `json:"surname"`
	GivenName            string `json:"givenName"`
	ChineseName          string `json:"chineseName"`
	InsuranceAge         string `json:"insuranceAge"`
	Gender               string `json:"gender"`
	IsSmoker             bool   `json:"isSmoker"`
	BasicPlan            string `json:"basicPlan"`
	Currency             string `json:"currency"`
	NotionalAmount       string `json:"notionalAmount"`
	PremiumPaymentPeriod string `json:"premiumPaymentPeriod"`
	PremiumPaymentMethod string `json:"premiumPaymentMethod"`
	UseInflation         bool   `json:"useInflation"`
	ProposalLanguage     string `json:"proposalLanguage"`
	SelectedAge1         int    `json:"selectedAge1"`
	SelectedAge2         int    `json:"selectedAge2"`
}

// WithNotionalAmount returns a copy of the input that differs only in the notional amount.
func (f FormInput) WithNotionalAmount(amount string) FormInput {
	f.NotionalAmount = amount
	return f
}

// IsFemale reports whether the gender field selects the female radio.
func (f FormInput) IsFemale() bool {
	return strings.Contains(f.Gender, "Female")
}

// IsForeignCurrency reports whether amounts must be converted from local currency.
func (f FormInput) IsForeignCurrency() bool {
	return strings.Contains(f.Currency, ForeignCurrencyLabel)
}

var leadingDigits = regexp.MustCompile(`\d+`)

// PaymentPeriodYears parses the premium payment period ("5", "5年", "10 years").
func (f FormInput) PaymentPeriodYears() (int, error) {
	m := leadingDigits.FindString(f.PremiumPaymentPeriod)
	if m == "" {
		return 0, fmt.Errorf("premium payment period %q has no year count", f.PremiumPaymentPeriod)
	}
	return strconv.Atoi(m)
}

// YearRow is one policy year of the externally supplied premium series.
type YearRow struct {
	YearNumber     int     `json:"yearNumber"`
	Age            int     `json:"age"`
	MedicalPremium float64 `json:"medicalPremium"`
}

// CalculationInputs are the scalar inputs of a CalculationContext.
type CalculationInputs struct {
	Age           Number `json:"age"`
	CurrencyRate  Number `json:"currencyRate"`
	InflationRate Number `json:"inflationRate"`
}

// CalculationContext is read-only reference data for the duration of a session.
type CalculationContext struct {
	ProcessedData      []YearRow         `json:"processedData"`
	Inputs             CalculationInputs `json:"inputs"`
	TotalAccumulatedMP float64           `json:"totalAccumulatedMP"`
}

// EntryAge returns the insured's entry age.
func (c CalculationContext) EntryAge() int { return c.Inputs.Age.Int() }

// SortedRows returns the premium rows ordered by policy year. The receiver is not modified.
func (c CalculationContext) SortedRows() []YearRow {
	rows := make([]YearRow, len(c.ProcessedData))
	copy(rows, c.ProcessedData)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].YearNumber < rows[j].YearNumber })
	return rows
}

// PremiumAt returns the premium recorded for the given policy year.
func (c CalculationContext) PremiumAt(year int) (float64, bool) {
	for _, row := range c.ProcessedData {
		if row.YearNumber == year {
			return row.MedicalPremium, true
		}
	}
	return 0, false
}

// CashValueTargets names the two ages whose surrender values are extracted from the artifact.
// The remaining fields are echoed by older clients and ignored on input.
type CashValueTargets struct {
	Age1          int `json:"age_1"`
	Age2          int `json:"age_2"`
	Age1CashValue int `json:"age_1_cash_value,omitempty"`
	Age2CashValue int `json:"age_2_cash_value,omitempty"`
	AnnualPremium int `json:"annual_premium,omitempty"`
}

// Credentials authenticate one run against the portal. They are never persisted.
type Credentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// String hides the password from logs and fmt output.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{URL: %s, Username: %s}", c.URL, c.Username)
}

// Submission is everything a submit call carries.
type Submission struct {
	Credentials Credentials
	Calculation CalculationContext
	Targets     CashValueTargets
	Form        FormInput
}

// ExtractedFacts are the numbers read out of the produced artifact, in local currency.
type ExtractedFacts struct {
	AnnualPremium  int      `json:"annual_premium"`
	Age1CashValue  int      `json:"age_1_cash_value"`
	Age2CashValue  int      `json:"age_2_cash_value"`
	Complete       bool     `json:"-"`
	InterpreterLog []string `json:"-"`
}

// OutcomeKind tags a CheckoutOutcome.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeRetry   OutcomeKind = "retry"
)

// CheckoutOutcome is the externally visible result of one submission attempt.
// Fatal outcomes are reported as errors instead.
type CheckoutOutcome struct {
	Kind     OutcomeKind
	Message  string
	Artifact []byte
	Filename string
	Facts    ExtractedFacts
}

// HasArtifact reports whether the outcome carries document bytes.
func (o CheckoutOutcome) HasArtifact() bool { return len(o.Artifact) > 0 }

// ProgressMessage is one entry of a session's progress stream.
type ProgressMessage struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// PremiumRow is one entry of a premium schedule lookup.
type PremiumRow struct {
	YearNumber     int     `json:"yearNumber"`
	Age            int     `json:"age"`
	MedicalPremium float64 `json:"medicalPremium"`
}
