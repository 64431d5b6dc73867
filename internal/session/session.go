// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/progress"
)

var (
	// ErrNotFound is returned for unknown or already terminated session ids.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy is returned when a run is already in progress on the session.
	ErrSessionBusy = errors.New("session is busy with another run")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in current session state")
)

// State is the lifecycle position of a Session.
type State string

const (
	StateInitiated     State = "initiated"
	StateRunning       State = "running"
	StateAwaitingRetry State = "awaiting-retry"
	StateTerminated    State = "terminated"
)

// Session is one logical portal run. It exclusively owns its agent from the
// first submit until teardown.
type Session struct {
	ID        string
	CreatedAt time.Time
	Progress  *progress.Channel

	logger *zap.Logger

	// runMu is the single-flight guard; held for the duration of a run.
	runMu sync.Mutex

	mu        sync.Mutex
	state     State
	agent     browser.Agent
	proxy     string
	onRelease []func()
	startedAt time.Time
	attempts  int
	form      schemas.FormInput
	calc      schemas.CalculationContext
	targets   schemas.CashValueTargets

	releaseOnce sync.Once
	releaseErr  error
}

func newSession(id string, now time.Time, logger *zap.Logger) *Session {
	sessionLogger := logger.With(zap.String("session_id", id))
	return &Session{
		ID:        id,
		CreatedAt: now,
		Progress:  progress.NewChannel(id, logger),
		logger:    sessionLogger,
		state:     StateInitiated,
	}
}

// Logger returns the session-scoped logger.
func (s *Session) Logger() *zap.Logger { return s.logger }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin acquires the run guard and moves the session to running. It fails with
// ErrSessionBusy if another run holds the guard, and with ErrInvalidState if
// the session is not in one of the allowed states. On success the caller must
// call End exactly once.
func (s *Session) Begin(allowed ...State) error {
	if !s.runMu.TryLock() {
		return ErrSessionBusy
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range allowed {
		if s.state == st {
			s.state = StateRunning
			s.attempts++
			if s.startedAt.IsZero() {
				s.startedAt = time.Now()
			}
			return nil
		}
	}
	current := s.state
	s.runMu.Unlock()
	if current == StateTerminated {
		return ErrNotFound
	}
	return fmt.Errorf("%w: session is %s", ErrInvalidState, current)
}

// End releases the run guard and records the next state. A session terminated
// while the run was in flight stays terminated.
func (s *Session) End(next State) {
	s.mu.Lock()
	if s.state != StateTerminated {
		s.state = next
	}
	s.mu.Unlock()
	s.runMu.Unlock()
}

// Attempts returns how many runs have started on this session.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// StartedAt returns when the first run began, or CreatedAt before any run.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return s.CreatedAt
	}
	return s.startedAt
}

// AttachAgent hands the session ownership of agent. onRelease hooks run after
// the agent is closed (returning a proxy to the pool, for example).
func (s *Session) AttachAgent(agent browser.Agent, onRelease ...func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return ErrNotFound
	}
	if s.agent != nil {
		return fmt.Errorf("%w: agent already attached", ErrInvalidState)
	}
	s.agent = agent
	s.onRelease = append(s.onRelease, onRelease...)
	return nil
}

// Agent returns the attached agent, or nil.
func (s *Session) Agent() browser.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// UseProxy records the proxy URL the session's browser was launched behind.
func (s *Session) UseProxy(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxy = server
}

// Proxy returns the proxy URL set by UseProxy, or "" for a direct connection.
func (s *Session) Proxy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy
}

// Remember stores the inputs of the latest submission for later retries.
func (s *Session) Remember(form schemas.FormInput, calc schemas.CalculationContext, targets schemas.CashValueTargets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.form = form
	s.calc = calc
	s.targets = targets
}

// Inputs returns the latest remembered submission.
func (s *Session) Inputs() (schemas.FormInput, schemas.CalculationContext, schemas.CashValueTargets) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form, s.calc, s.targets
}

// Terminate marks the session terminated, releases the agent and closes the
// progress channel. It does not wait for an in-flight run; that run's next
// agent call fails.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	err := s.releaseAgent(ctx)
	s.Progress.Close()
	return err
}

// releaseAgent closes the agent exactly once.
func (s *Session) releaseAgent(ctx context.Context) error {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		agent := s.agent
		hooks := s.onRelease
		s.onRelease = nil
		s.mu.Unlock()

		if agent != nil {
			if err := agent.Close(ctx); err != nil {
				s.releaseErr = fmt.Errorf("releasing agent: %w", err)
				s.logger.Warn("Agent did not close cleanly.", zap.Error(err))
			}
		}
		for _, hook := range hooks {
			hook()
		}
		s.logger.Debug("Session resources released.")
	})
	return s.releaseErr
}
