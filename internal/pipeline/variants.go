// internal/pipeline/variants.go
package pipeline

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/quoteflow/internal/browser"
)

//go:embed variants.yaml
var defaultVariantsYAML []byte

// ErrUnknownVariant is returned when no configured plan code matches.
var ErrUnknownVariant = errors.New("unsupported basic plan")

// WithdrawalMode selects how a variant's withdrawal schedule is entered.
type WithdrawalMode string

const (
	// ModePerYearGrid types one amount per policy year into named grid fields.
	ModePerYearGrid WithdrawalMode = "per-year-grid"
	// ModeSummaryThenGrid fills a summary form first, then overrides the
	// generated grid row by row.
	ModeSummaryThenGrid WithdrawalMode = "summary-then-grid"
)

// Step is a single click with its progress message.
type Step struct {
	Click   browser.Locator `yaml:"click"`
	JS      bool            `yaml:"js"`
	Message string          `yaml:"message"`
}

// Choice is a dropdown driven by a form value.
type Choice struct {
	Open    browser.Locator `yaml:"open"`
	Option  browser.Locator `yaml:"option"`
	JSOpen  bool            `yaml:"js_open"`
	Values  []string        `yaml:"values"`
	Skip    []string        `yaml:"skip"`
	Message string          `yaml:"message"`
}

// Resolve picks the option for input: the first value contained in it. skip
// reports that the portal default already matches.
func (c Choice) Resolve(input string) (value string, skip bool, ok bool) {
	for _, s := range c.Skip {
		if strings.Contains(input, s) {
			return "", true, true
		}
	}
	for _, v := range c.Values {
		if strings.Contains(input, v) {
			return v, false, true
		}
	}
	return "", false, false
}

// PlanSelector opens the plan dropdown and picks the variant.
type PlanSelector struct {
	Open    browser.Locator `yaml:"open"`
	Option  browser.Locator `yaml:"option"`
	JSOpen  bool            `yaml:"js_open"`
	Message string          `yaml:"message"`
}

// NotionalField is where the notional amount is typed.
type NotionalField struct {
	Field   browser.Locator `yaml:"field"`
	Message string          `yaml:"message"`
}

// Withdrawal describes the withdrawal schedule UI of a variant.
type Withdrawal struct {
	Mode           WithdrawalMode `yaml:"mode"`
	InflationField bool           `yaml:"inflation_field"`
	Setup          []Step         `yaml:"setup"`

	// per-year-grid
	RowField browser.Locator `yaml:"row_field"`

	// summary-then-grid
	FromYear      browser.Locator `yaml:"from_year"`
	Years         browser.Locator `yaml:"years"`
	Amount        browser.Locator `yaml:"amount"`
	InflationRate browser.Locator `yaml:"inflation_rate"`
	Submit        Step            `yaml:"submit"`
	GridAnchor    browser.Locator `yaml:"grid_anchor"`
	GridIDPrefix  string          `yaml:"grid_id_prefix"`
	GridOffset    int             `yaml:"grid_offset"`
	GridStride    int             `yaml:"grid_stride"`
}

// Variant is the capability record of one basic plan.
type Variant struct {
	Code           string        `yaml:"code"`
	Plan           PlanSelector  `yaml:"plan"`
	NotionalAmount NotionalField `yaml:"notional_amount"`
	PaymentPeriod  Choice        `yaml:"payment_period"`
	Currency       *Choice       `yaml:"currency"`
	PaymentMethod  *Choice       `yaml:"payment_method"`
	Extras         []Step        `yaml:"extras"`
	Withdrawal     Withdrawal    `yaml:"withdrawal"`
}

// validate checks that every locator the variant's mode needs is usable.
func (v Variant) validate() error {
	if v.Code == "" {
		return errors.New("variant without code")
	}
	required := map[string]browser.Locator{
		"plan.open":             v.Plan.Open,
		"plan.option":           v.Plan.Option,
		"notional_amount.field": v.NotionalAmount.Field,
		"payment_period.open":   v.PaymentPeriod.Open,
		"payment_period.option": v.PaymentPeriod.Option,
	}
	switch v.Withdrawal.Mode {
	case ModePerYearGrid:
		required["withdrawal.row_field"] = v.Withdrawal.RowField
	case ModeSummaryThenGrid:
		required["withdrawal.from_year"] = v.Withdrawal.FromYear
		required["withdrawal.years"] = v.Withdrawal.Years
		required["withdrawal.amount"] = v.Withdrawal.Amount
		required["withdrawal.grid_anchor"] = v.Withdrawal.GridAnchor
		if v.Withdrawal.InflationField {
			required["withdrawal.inflation_rate"] = v.Withdrawal.InflationRate
		}
		if v.Withdrawal.GridStride <= 0 {
			return fmt.Errorf("variant %s: withdrawal.grid_stride must be positive", v.Code)
		}
	default:
		return fmt.Errorf("variant %s: unknown withdrawal mode %q", v.Code, v.Withdrawal.Mode)
	}
	for name, loc := range required {
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("variant %s: %s: %w", v.Code, name, err)
		}
	}
	return nil
}

// Catalog is the ordered set of supported variants.
type Catalog struct {
	Variants []Variant `yaml:"variants"`
}

// ParseCatalog decodes and validates a capability table.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse variant catalog: %w", err)
	}
	if len(c.Variants) == 0 {
		return nil, errors.New("variant catalog is empty")
	}
	for _, v := range c.Variants {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

// DefaultCatalog returns the embedded capability table.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultVariantsYAML)
	if err != nil {
		// The embedded table is covered by tests.
		panic(err)
	}
	return c
}

// Lookup returns the first variant whose code is contained in basicPlan.
func (c *Catalog) Lookup(basicPlan string) (Variant, error) {
	for _, v := range c.Variants {
		if strings.Contains(basicPlan, v.Code) {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, basicPlan)
}

// Codes lists the configured plan codes.
func (c *Catalog) Codes() []string {
	codes := make([]string, 0, len(c.Variants))
	for _, v := range c.Variants {
		codes = append(codes, v.Code)
	}
	return codes
}

// render substitutes {name} placeholders in a locator value.
func render(loc browser.Locator, vars map[string]string) browser.Locator {
	if len(vars) == 0 {
		return loc
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	loc.Value = strings.NewReplacer(pairs...).Replace(loc.Value)
	return loc
}
