// File: internal/orchestrator/orchestrator.go
// Description: Coordinates portal runs. Each submit or retry is dispatched on the
// task engine; the run's outcome decides whether the session survives.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/checkout"
	"github.com/xkilldash9x/quoteflow/internal/engine"
	"github.com/xkilldash9x/quoteflow/internal/network"
	"github.com/xkilldash9x/quoteflow/internal/pipeline"
	"github.com/xkilldash9x/quoteflow/internal/progress"
	"github.com/xkilldash9x/quoteflow/internal/session"
	"github.com/xkilldash9x/quoteflow/internal/store"
)

// Final progress lines for runs that fail outside the checkout engine.
const (
	MsgRunFailed   = "Browser error: %s"
	MsgRetryFailed = "Retry error: %s"
)

const teardownTimeout = 30 * time.Second

// ErrEmptyAmount is returned by Retry when no replacement amount was given.
var ErrEmptyAmount = errors.New("new notional amount is required")

// FormFiller drives the portal from login to the filled proposal form.
type FormFiller interface {
	Run(ctx context.Context, agent browser.Agent, creds schemas.Credentials, in schemas.FormInput, calc schemas.CalculationContext, emit progress.EmitFunc) pipeline.StageResult
	RefillNotional(ctx context.Context, agent browser.Agent, in schemas.FormInput, emit progress.EmitFunc) pipeline.StageResult
}

// Checkouter submits the filled form and classifies the portal's answer.
type Checkouter interface {
	Checkout(ctx context.Context, agent browser.Agent, req checkout.Request, emit progress.EmitFunc) (schemas.CheckoutOutcome, error)
}

// Runner executes tasks on the bounded worker pool.
type Runner interface {
	Submit(ctx context.Context, task engine.Task) error
}

// Dependencies are the components an Orchestrator is assembled from. Proxies
// and Ledger are optional.
type Dependencies struct {
	Sessions  *session.Store
	Launcher  browser.Launcher
	Filler    FormFiller
	Checkout  Checkouter
	Runner    Runner
	Proxies   *network.Pool
	RelayHost string
	Ledger    store.Ledger
}

// Orchestrator owns the session lifecycle for submit, retry and terminate.
type Orchestrator struct {
	sessions  *session.Store
	launcher  browser.Launcher
	filler    FormFiller
	checkout  Checkouter
	runner    Runner
	proxies   *network.Pool
	relayHost string
	ledger    store.Ledger
	logger    *zap.Logger
}

// New creates an Orchestrator.
func New(deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Sessions == nil ||
		deps.Launcher == nil ||
		deps.Filler == nil ||
		deps.Checkout == nil ||
		deps.Runner == nil ||
		logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	ledger := deps.Ledger
	if ledger == nil {
		ledger = store.Noop{}
	}
	return &Orchestrator{
		sessions:  deps.Sessions,
		launcher:  deps.Launcher,
		filler:    deps.Filler,
		checkout:  deps.Checkout,
		runner:    deps.Runner,
		proxies:   deps.Proxies,
		relayHost: deps.RelayHost,
		ledger:    ledger,
		logger:    logger.Named("orchestrator"),
	}, nil
}

// Initiate registers a new session and returns its id.
func (o *Orchestrator) Initiate() string {
	return o.sessions.Create().ID
}

// Submit runs the full flow on a freshly initiated session and blocks until
// the outcome is known. A Retry outcome keeps the session and its browser for
// a later call to Retry; any other outcome tears it down.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, sub schemas.Submission) (schemas.CheckoutOutcome, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return schemas.CheckoutOutcome{}, err
	}
	if err := s.Begin(session.StateInitiated); err != nil {
		return schemas.CheckoutOutcome{}, err
	}
	s.Remember(sub.Form, sub.Calculation, sub.Targets)

	return o.dispatch(ctx, s, store.KindSubmit, session.StateInitiated, sub.Form.BasicPlan,
		func(ctx context.Context, emit progress.EmitFunc) (schemas.CheckoutOutcome, error) {
			agent, err := o.launch(ctx, s)
			if err != nil {
				emit.Emitf(MsgRunFailed, err.Error())
				return schemas.CheckoutOutcome{}, err
			}
			if res := o.filler.Run(ctx, agent, sub.Credentials, sub.Form, sub.Calculation, emit); !res.OK() {
				emit.Emitf(MsgRunFailed, res.Failure.Message)
				return schemas.CheckoutOutcome{}, res.Err()
			}
			return o.checkout.Checkout(ctx, agent, checkout.Request{
				Form:      sub.Form,
				Calc:      sub.Calculation,
				Targets:   sub.Targets,
				StartedAt: s.StartedAt(),
				Proxy:     s.Proxy(),
			}, emit)
		})
}

// Retry replaces the notional amount on the live form of a session that is
// awaiting retry and runs checkout again.
func (o *Orchestrator) Retry(ctx context.Context, sessionID, amount string) (schemas.CheckoutOutcome, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return schemas.CheckoutOutcome{}, ErrEmptyAmount
	}
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return schemas.CheckoutOutcome{}, err
	}
	if err := s.Begin(session.StateAwaitingRetry); err != nil {
		return schemas.CheckoutOutcome{}, err
	}

	form, calc, targets := s.Inputs()
	form = form.WithNotionalAmount(amount)
	s.Remember(form, calc, targets)

	return o.dispatch(ctx, s, store.KindRetry, session.StateAwaitingRetry, form.BasicPlan,
		func(ctx context.Context, emit progress.EmitFunc) (schemas.CheckoutOutcome, error) {
			agent := s.Agent()
			if agent == nil {
				err := fmt.Errorf("%w: no browser attached", session.ErrInvalidState)
				emit.Emitf(MsgRetryFailed, err.Error())
				return schemas.CheckoutOutcome{}, err
			}
			if res := o.filler.RefillNotional(ctx, agent, form, emit); !res.OK() {
				emit.Emitf(MsgRetryFailed, res.Failure.Message)
				return schemas.CheckoutOutcome{}, res.Err()
			}
			return o.checkout.Checkout(ctx, agent, checkout.Request{
				Form:      form,
				Calc:      calc,
				Targets:   targets,
				StartedAt: s.StartedAt(),
				Proxy:     s.Proxy(),
			}, emit)
		})
}

// Terminate releases the session's browser and forgets the session.
func (o *Orchestrator) Terminate(ctx context.Context, sessionID string) error {
	if err := o.sessions.Terminate(ctx, sessionID); err != nil {
		return err
	}
	o.logger.Info("Session terminated by caller.", zap.String("session_id", sessionID))
	return nil
}

// Subscribe attaches the single consumer of a session's progress stream.
func (o *Orchestrator) Subscribe(sessionID string) (*progress.Subscription, error) {
	s, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Progress.Subscribe()
}

// Runs lists the recorded attempts of a session, oldest first.
func (o *Orchestrator) Runs(ctx context.Context, sessionID string) ([]store.RunRecord, error) {
	return o.ledger.RunsForSession(ctx, sessionID)
}

// Shutdown terminates every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("Terminating live sessions.", zap.Int("count", o.sessions.Len()))
	return o.sessions.TerminateAll(ctx)
}

type runFunc func(ctx context.Context, emit progress.EmitFunc) (schemas.CheckoutOutcome, error)

// dispatch queues body on the runner. Whoever claims the run first settles the
// session: the task body when it starts, or dispatch itself when the task
// never ran, in which case the session goes back to prev.
func (o *Orchestrator) dispatch(ctx context.Context, s *session.Session, kind string, prev session.State, plan string, body runFunc) (schemas.CheckoutOutcome, error) {
	var (
		claimed atomic.Bool
		out     schemas.CheckoutOutcome
	)
	task := engine.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: s.ID,
		Run: func(taskCtx context.Context) error {
			if !claimed.CompareAndSwap(false, true) {
				return context.Canceled
			}
			started := time.Now()
			defer func() {
				if r := recover(); r != nil {
					o.settle(s, kind, plan, started, schemas.CheckoutOutcome{}, fmt.Errorf("run panicked: %v", r))
					panic(r)
				}
			}()
			res, err := body(taskCtx, s.Progress.Emitter())
			o.settle(s, kind, plan, started, res, err)
			out = res
			return err
		},
	}

	err := o.runner.Submit(ctx, task)
	if claimed.CompareAndSwap(false, true) {
		s.Logger().Warn("Run was not started.", zap.String("kind", kind), zap.Error(err))
		s.End(prev)
		if err == nil {
			err = errors.New("run was not started")
		}
		return schemas.CheckoutOutcome{}, err
	}
	if err != nil {
		// Either the run failed, or the caller stopped waiting and the run
		// settles itself when it finishes.
		return schemas.CheckoutOutcome{}, err
	}
	return out, nil
}

// settle applies the outcome to the session and records the attempt.
func (o *Orchestrator) settle(s *session.Session, kind, plan string, started time.Time, out schemas.CheckoutOutcome, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	rec := store.RunRecord{
		SessionID:  s.ID,
		Attempt:    s.Attempts(),
		Kind:       kind,
		Plan:       plan,
		Elapsed:    time.Since(started),
		FinishedAt: time.Now(),
	}

	switch {
	case runErr != nil:
		rec.Outcome, rec.Message = store.OutcomeFatal, runErr.Error()
		s.Logger().Warn("Run failed, tearing down session.", zap.String("kind", kind), zap.Error(runErr))
		o.teardown(ctx, s)
	case out.Kind == schemas.OutcomeRetry:
		rec.Outcome, rec.Message = store.OutcomeRetry, out.Message
		s.Logger().Info("Run needs a corrected amount.", zap.String("kind", kind))
		s.End(session.StateAwaitingRetry)
	default:
		rec.Outcome = store.OutcomeSuccess
		s.Logger().Info("Run succeeded.", zap.String("kind", kind), zap.String("filename", out.Filename))
		o.teardown(ctx, s)
	}

	if err := o.ledger.RecordRun(ctx, rec); err != nil {
		s.Logger().Warn("Failed to record run.", zap.Error(err))
	}
}

func (o *Orchestrator) teardown(ctx context.Context, s *session.Session) {
	if err := o.sessions.Terminate(ctx, s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
		s.Logger().Warn("Session teardown was not clean.", zap.Error(err))
	}
	s.End(session.StateTerminated)
}

// launch starts the session's browser, behind a leased proxy when a pool is
// configured. The session owns the lease from then on.
func (o *Orchestrator) launch(ctx context.Context, s *session.Session) (browser.Agent, error) {
	var (
		opts    browser.SessionOptions
		release []func()
	)
	if o.proxies != nil {
		lease, err := o.proxies.Lease(ctx, o.relayHost)
		if err != nil {
			return nil, fmt.Errorf("checking out a proxy: %w", err)
		}
		opts.ProxyServer = lease.Server
		release = append(release, lease.Release)
		s.Logger().Info("Proxy leased.", zap.Stringer("proxy", lease.Proxy))
	}

	agent, err := o.launcher.Launch(ctx, s.ID, opts)
	if err != nil {
		for _, fn := range release {
			fn()
		}
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	if err := s.AttachAgent(agent, release...); err != nil {
		_ = agent.Close(ctx)
		for _, fn := range release {
			fn()
		}
		return nil, err
	}
	s.UseProxy(opts.ProxyServer)
	return agent, nil
}
