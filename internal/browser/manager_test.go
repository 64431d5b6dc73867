// internal/browser/manager_test.go
package browser

import (
	"context"
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

func TestExecAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions) + 4

	tests := []struct {
		name  string
		cfg   config.BrowserConfig
		opts  SessionOptions
		extra int
	}{
		{name: "Defaults", cfg: config.BrowserConfig{Headless: true}},
		{name: "Headful", cfg: config.BrowserConfig{Headless: false}, extra: 1},
		{name: "ExecPathAndWindow", cfg: config.BrowserConfig{Headless: true, ExecPath: "/usr/bin/chromium", WindowWidth: 1280, WindowHeight: 720}, extra: 2},
		{name: "Proxy", cfg: config.BrowserConfig{Headless: true}, opts: SessionOptions{ProxyServer: "http://127.0.0.1:8080"}, extra: 1},
		{name: "Args", cfg: config.BrowserConfig{Headless: true, Args: []string{"--no-zygote", "lang=zh-HK", "--", ""}}, extra: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExecAllocatorOptions(tt.cfg, tt.opts)
			assert.Len(t, got, base+tt.extra)
		})
	}
}

func TestManager_LaunchAfterShutdown(t *testing.T) {
	m := NewManager(context.Background(), config.BrowserConfig{Headless: true}, zaptest.NewLogger(t))
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.Launch(context.Background(), "s-1", SessionOptions{})
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Zero(t, m.Active())
}

func TestManager_ShutdownIdle(t *testing.T) {
	m := NewManager(context.Background(), config.BrowserConfig{RemoteURL: "ws://127.0.0.1:9222"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
