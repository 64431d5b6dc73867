// internal/browser/windows_test.go
package browser

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// windowAgent is a minimal Agent whose window list changes over time.
type windowAgent struct {
	Agent
	mu       sync.Mutex
	polls    int
	script   func(poll int) []Window
	switched string
}

func (w *windowAgent) Windows(ctx context.Context) ([]Window, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	return w.script(w.polls), nil
}

func (w *windowAgent) SwitchTo(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switched = id
	return nil
}

func (w *windowAgent) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	return nil, nil
}

func TestWaitNewWindow_FollowsNewWindow(t *testing.T) {
	before := []Window{{ID: "main", URL: "https://portal/"}}
	agent := &windowAgent{script: func(poll int) []Window {
		if poll < 3 {
			return before
		}
		return append(before, Window{ID: "popup", URL: "https://portal/proposal"})
	}}

	w, err := WaitNewWindow(context.Background(), agent, before, nil, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "popup", w.ID)
	assert.Equal(t, "popup", agent.switched)
}

func TestWaitNewWindow_WaitsForMatchingURL(t *testing.T) {
	before := []Window{{ID: "main"}}
	agent := &windowAgent{script: func(poll int) []Window {
		url := "about:blank"
		if poll >= 4 {
			url = "https://portal/files/proposal.pdf"
		}
		return []Window{{ID: "main"}, {ID: "pdf", URL: url}}
	}}

	isPDF := func(w Window) bool { return strings.HasSuffix(w.URL, ".pdf") }
	w, err := WaitNewWindow(context.Background(), agent, before, isPDF, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "https://portal/files/proposal.pdf", w.URL)
}

func TestWaitNewWindow_Timeout(t *testing.T) {
	before := []Window{{ID: "main"}}
	agent := &windowAgent{script: func(int) []Window { return before }}

	_, err := WaitNewWindow(context.Background(), agent, before, nil, 20*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTimeout))
}

func TestWaitNewWindow_ParentCanceled(t *testing.T) {
	before := []Window{{ID: "main"}}
	agent := &windowAgent{script: func(int) []Window { return before }}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WaitNewWindow(ctx, agent, before, nil, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}
