// internal/premium/premium.go
package premium

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrPlanNotFound means no table file exists for the company and plan.
	ErrPlanNotFound = errors.New("plan data not found")
	// ErrInvalidParameters covers unknown plan options and unusable query fields.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrAgeNotCovered means the table has no premium for an age in the requested range.
	ErrAgeNotCovered = errors.New("premium data not found for age")
	// ErrMalformed means the table file is not a valid premium table.
	ErrMalformed = errors.New("invalid premium table")
)

// Query selects one premium schedule.
type Query struct {
	Company      string `json:"company"`
	PlanFileName string `json:"planFileName"`
	Age          int    `json:"age"`
	PlanOption   string `json:"planOption"`
	// NumberOfYears is accepted for compatibility; the schedule always runs to the table's max age.
	NumberOfYears int `json:"numberOfYears"`
}

// ParamError reports a query field the table cannot serve.
type ParamError struct {
	Param string
}

func (e *ParamError) Error() string { return fmt.Sprintf("Invalid parameters: '%s'", e.Param) }

func (e *ParamError) Is(target error) bool { return target == ErrInvalidParameters }

// AgeError reports the first age missing from the table.
type AgeError struct {
	Age int
}

func (e *AgeError) Error() string { return fmt.Sprintf("Premium data not found for age %d", e.Age) }

func (e *AgeError) Is(target error) bool { return target == ErrAgeNotCovered }

// table maps plan option -> age -> premium. A null premium is kept as nil so it
// can be reported as malformed instead of silently becoming zero.
type table map[string]map[string]*float64

// Tables serves premium schedules from JSON files laid out as
// <plans_dir>/<company>/<planFileName>.json.
type Tables struct {
	root   string
	maxAge int
	logger *zap.Logger
}

// NewTables creates the lookup over cfg.PlansDir.
func NewTables(cfg config.PremiumConfig, logger *zap.Logger) *Tables {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 100
	}
	return &Tables{root: cfg.PlansDir, maxAge: maxAge, logger: logger.Named("premium")}
}

// Schedule returns one row per policy year from q.Age up to the max age, with
// at least one row.
func (t *Tables) Schedule(ctx context.Context, q Query) ([]schemas.PremiumRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := t.path(q)
	if err != nil {
		return nil, err
	}
	tbl, err := t.load(path)
	if err != nil {
		return nil, err
	}

	byAge, ok := tbl[q.PlanOption]
	if !ok {
		t.logger.Error("Invalid key", zap.String("plan_option", q.PlanOption), zap.String("file", path))
		return nil, &ParamError{Param: q.PlanOption}
	}

	years := t.maxAge - q.Age + 1
	if years < 1 {
		years = 1
	}
	rows := make([]schemas.PremiumRow, 0, years)
	for year := 1; year <= years; year++ {
		age := q.Age + year - 1
		premium, ok := byAge[strconv.Itoa(age)]
		if !ok {
			return nil, &AgeError{Age: age}
		}
		if premium == nil {
			return nil, fmt.Errorf("%w: null premium for age %d", ErrMalformed, age)
		}
		rows = append(rows, schemas.PremiumRow{YearNumber: year, Age: age, MedicalPremium: *premium})
	}
	return rows, nil
}

// path resolves the table file and refuses anything that escapes the plans directory.
func (t *Tables) path(q Query) (string, error) {
	if q.Company == "" {
		return "", &ParamError{Param: "company"}
	}
	if q.PlanFileName == "" {
		return "", &ParamError{Param: "planFileName"}
	}
	rel := filepath.Join(q.Company, q.PlanFileName+".json")
	if !filepath.IsLocal(rel) {
		t.logger.Warn("Rejected premium table path.", zap.String("company", q.Company), zap.String("plan_file", q.PlanFileName))
		return "", ErrPlanNotFound
	}
	return filepath.Join(t.root, rel), nil
}

func (t *Tables) load(path string) (table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.logger.Error("JSON file not found", zap.String("file", path))
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to read premium table: %w", err)
	}
	var tbl table
	if err := json.Unmarshal(data, &tbl); err != nil {
		t.logger.Error("JSON decode error", zap.String("file", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return tbl, nil
}
