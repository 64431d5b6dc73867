// internal/session/session_test.go
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/browser/browsertest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStore_CreateAndGet(t *testing.T) {
	st := NewStore(zaptest.NewLogger(t))
	fixed := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return fixed }

	s := st.Create()
	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, s.State())
	assert.Equal(t, fixed, s.CreatedAt)
	assert.Equal(t, fixed, s.StartedAt(), "falls back to creation time before the first run")

	got, err := st.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = st.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, st.Len())
}

func TestSession_BeginIsSingleFlight(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t)).Create()

	require.NoError(t, s.Begin(StateInitiated))
	assert.Equal(t, StateRunning, s.State())
	assert.ErrorIs(t, s.Begin(StateInitiated), ErrSessionBusy)

	s.End(StateAwaitingRetry)
	assert.Equal(t, StateAwaitingRetry, s.State())

	err := s.Begin(StateInitiated)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateAwaitingRetry, s.State(), "a rejected begin leaves the state alone")

	first := s.StartedAt()
	require.NoError(t, s.Begin(StateAwaitingRetry))
	assert.Equal(t, 2, s.Attempts())
	assert.Equal(t, first, s.StartedAt(), "start time is set once")
	s.End(StateAwaitingRetry)
}

func TestSession_ConcurrentBeginAdmitsOne(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t)).Create()

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		busy     atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := s.Begin(StateInitiated); {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrSessionBusy), errors.Is(err, ErrInvalidState):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(15), busy.Load())
	s.End(StateAwaitingRetry)
}

func TestSession_TerminateReleasesOnce(t *testing.T) {
	st := NewStore(zaptest.NewLogger(t))
	s := st.Create()
	agent := browsertest.New()
	var hooks atomic.Int32
	require.NoError(t, s.AttachAgent(agent, func() { hooks.Add(1) }))
	assert.ErrorIs(t, s.AttachAgent(browsertest.New()), ErrInvalidState)

	require.NoError(t, st.Terminate(context.Background(), s.ID))
	require.NoError(t, s.Terminate(context.Background()))

	assert.Equal(t, 1, agent.Closes())
	assert.Equal(t, int32(1), hooks.Load())
	assert.True(t, s.Progress.Closed())
	assert.Equal(t, StateTerminated, s.State())

	_, err := st.Get(s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.Terminate(context.Background(), s.ID), ErrNotFound)
	assert.ErrorIs(t, s.AttachAgent(browsertest.New()), ErrNotFound)
	assert.ErrorIs(t, s.Begin(StateInitiated), ErrNotFound)
}

func TestSession_TerminateDuringRunStaysTerminated(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t)).Create()
	require.NoError(t, s.Begin(StateInitiated))

	require.NoError(t, s.Terminate(context.Background()))
	s.End(StateAwaitingRetry)
	assert.Equal(t, StateTerminated, s.State())
}

func TestSession_CloseErrorIsReported(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t)).Create()
	require.NoError(t, s.AttachAgent(&failingAgent{FakeAgent: browsertest.New()}))

	err := s.Terminate(context.Background())
	assert.ErrorContains(t, err, "releasing agent")
}

func TestSession_RememberInputs(t *testing.T) {
	s := NewStore(zaptest.NewLogger(t)).Create()
	form := schemas.FormInput{BasicPlan: "TRST", NotionalAmount: "50000"}
	calc := schemas.CalculationContext{Inputs: schemas.CalculationInputs{Age: 35}}
	targets := schemas.CashValueTargets{Age1: 65, Age2: 85}

	s.Remember(form, calc, targets)
	gotForm, gotCalc, gotTargets := s.Inputs()
	assert.Equal(t, form, gotForm)
	assert.Equal(t, calc, gotCalc)
	assert.Equal(t, targets, gotTargets)
}

func TestStore_TerminateAll(t *testing.T) {
	st := NewStore(zaptest.NewLogger(t))
	agents := []*browsertest.FakeAgent{browsertest.New(), browsertest.New(), browsertest.New()}
	for _, a := range agents {
		require.NoError(t, st.Create().AttachAgent(a))
	}

	require.NoError(t, st.TerminateAll(context.Background()))
	assert.Zero(t, st.Len())
	for _, a := range agents {
		assert.Equal(t, 1, a.Closes())
	}
	require.NoError(t, st.TerminateAll(context.Background()))
}

type failingAgent struct {
	*browsertest.FakeAgent
}

func (f *failingAgent) Close(ctx context.Context) error {
	_ = f.FakeAgent.Close(ctx)
	return &browser.Error{Op: "close", Kind: browser.KindClosed}
}
