// internal/pipeline/stage.go
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

// FailureKind classifies why a stage stopped the run.
type FailureKind string

const (
	// FailureStructural means the page did not look as expected.
	FailureStructural FailureKind = "structural"
	// FailureAuthentication means the portal refused the login.
	FailureAuthentication FailureKind = "authentication"
	// FailureInput means the submitted data cannot be entered.
	FailureInput FailureKind = "input"
	// FailureCanceled means the run was canceled or the session terminated.
	FailureCanceled FailureKind = "canceled"
)

// Failure is the error form of a failed stage.
type Failure struct {
	Stage   string
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("stage %s failed (%s): %s", f.Stage, f.Kind, f.Message)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// StageResult is either Continue (Failure == nil) or a Failure.
type StageResult struct {
	Failure *Failure
}

// Continue lets the pipeline move to the next stage.
func Continue() StageResult { return StageResult{} }

// Fail stops the pipeline.
func Fail(kind FailureKind, message string, err error) StageResult {
	return StageResult{Failure: &Failure{Kind: kind, Message: message, Err: err}}
}

// OK reports whether the stage allows the run to continue.
func (r StageResult) OK() bool { return r.Failure == nil }

// Err returns the failure as an error, or nil.
func (r StageResult) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}

// StageFunc is one step of the form-fill pipeline.
type StageFunc func(ctx context.Context, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult

// Stage names a StageFunc.
type Stage struct {
	Name string
	Run  StageFunc
}

// RunStages executes stages strictly in order and stops at the first failure.
func RunStages(ctx context.Context, stages []Stage, agent browser.Agent, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) StageResult {
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return named(stage.Name, Fail(FailureCanceled, "run canceled", err))
		}
		if res := stage.Run(ctx, agent, in, calc, emit); !res.OK() {
			return named(stage.Name, res)
		}
	}
	return Continue()
}

func named(stage string, res StageResult) StageResult {
	if res.Failure != nil && res.Failure.Stage == "" {
		res.Failure.Stage = stage
	}
	return res
}

// agentFailure converts an agent error into a stage result. Cancellation and a
// closed agent are reported as canceled; everything else is structural.
func agentFailure(ctx context.Context, message string, err error) StageResult {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || browser.IsKind(err, browser.KindClosed) {
		return Fail(FailureCanceled, message, err)
	}
	return Fail(FailureStructural, message, err)
}
