// internal/browser/session_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

const testPage = `<!DOCTYPE html>
<html><body>
<label for="sa-input">SA</label>
<input id="sa-input" name="form.sa" value="100">
<button id="free" onclick="document.getElementById('out').innerText='clicked'">免費</button>
<div style="position:relative">
  <button id="covered" onclick="document.getElementById('out').innerText='js'">被遮</button>
  <div style="position:absolute;top:0;left:0;width:400px;height:100px;background:#fff"></div>
</div>
<p id="out"></p>
<div class="title" style="display:none">請持續使用</div>
</body></html>`

// requireChrome skips the test when no Chrome binary is installed.
func requireChrome(t *testing.T) {
	t.Helper()
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("Chrome not installed; skipping browser integration test.")
}

func newTestSession(t *testing.T) (*Manager, Agent, string) {
	t.Helper()
	requireChrome(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "portal", Value: "token"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, testPage)
	}))
	t.Cleanup(server.Close)

	cfg := config.BrowserConfig{
		Headless:     true,
		ElementWait:  5 * time.Second,
		PageWait:     30 * time.Second,
		ClickSettle:  10 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	}
	m := NewManager(context.Background(), cfg, zaptest.NewLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	agent, err := m.Launch(ctx, "integration", SessionOptions{})
	require.NoError(t, err)
	require.NoError(t, agent.Navigate(ctx, server.URL))
	return m, agent, server.URL
}

func TestSession_Integration(t *testing.T) {
	m, agent, url := newTestSession(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	t.Run("fill through label", func(t *testing.T) {
		require.NoError(t, agent.Fill(ctx, LabelFor("SA"), "250000"))
		value, ok, err := agent.Attribute(ctx, ID("sa-input"), "id")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "sa-input", value)
	})

	t.Run("click and read text", func(t *testing.T) {
		require.NoError(t, agent.Click(ctx, ID("free")))
		text, err := agent.Text(ctx, ID("out"))
		require.NoError(t, err)
		assert.Equal(t, "clicked", text)
	})

	t.Run("covered click is intercepted", func(t *testing.T) {
		err := agent.Click(ctx, ID("covered"))
		require.Error(t, err)
		assert.True(t, IsKind(err, KindIntercepted))

		require.NoError(t, agent.JSClick(ctx, ID("covered")))
		text, err := agent.Text(ctx, ID("out"))
		require.NoError(t, err)
		assert.Equal(t, "js", text)
	})

	t.Run("probe hidden element", func(t *testing.T) {
		p, err := agent.Probe(ctx, CSS(".title"))
		require.NoError(t, err)
		assert.True(t, p.Found)
		assert.False(t, p.Visible)

		p, err = agent.Probe(ctx, CSS(".nothing-here"))
		require.NoError(t, err)
		assert.False(t, p.Found)
	})

	t.Run("location windows and cookies", func(t *testing.T) {
		current, err := agent.CurrentURL(ctx)
		require.NoError(t, err)
		assert.Contains(t, current, "127.0.0.1")

		windows, err := agent.Windows(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, windows)

		cookies, err := agent.Cookies(ctx, url)
		require.NoError(t, err)
		require.Len(t, cookies, 1)
		assert.Equal(t, "portal", cookies[0].Name)
	})

	t.Run("missing element times out", func(t *testing.T) {
		shortCtx, shortCancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer shortCancel()
		err := agent.Click(shortCtx, ID("does-not-exist"))
		require.Error(t, err)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		require.NoError(t, agent.Close(ctx))
		require.NoError(t, agent.Close(ctx))
		assert.Equal(t, 0, m.Active())

		err := agent.Click(ctx, ID("free"))
		assert.True(t, IsKind(err, KindClosed))
	})
}
