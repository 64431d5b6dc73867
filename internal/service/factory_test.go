// File: internal/service/factory_test.go
package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/quoteflow/internal/browser/browsertest"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/llmclient"
	"github.com/xkilldash9x/quoteflow/internal/mocks"
	"github.com/xkilldash9x/quoteflow/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noModel(context.Context, config.LLMModelConfig, *zap.Logger) (llmclient.Completer, error) {
	return nil, llmclient.ErrNotConfigured
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.EngineCfg.WorkerConcurrency = 2
	cfg.EngineCfg.QueueSize = 2
	return cfg
}

func TestCreate_Defaults(t *testing.T) {
	logger := zaptest.NewLogger(t)
	factory := NewComponentFactory(
		WithLauncher(browsertest.NewLauncher()),
		WithCompleterFactory(noModel),
	)

	c, err := factory.Create(context.Background(), testConfig(), logger)
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	assert.IsType(t, store.Noop{}, c.Ledger, "no database URL means no ledger")
	assert.Nil(t, c.Proxies)
	assert.Nil(t, c.BrowserManager, "injected launcher replaces the manager")
	require.NotNil(t, c.Server)
	require.NotNil(t, c.Orchestrator)

	// The assembled router can open a session end to end.
	rec := httptest.NewRecorder()
	c.Server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/init-session", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_id")
}

func TestCreate_UsesConfiguredCompleter(t *testing.T) {
	completer := new(mocks.MockCompleter)
	completer.On("Provider").Return(config.ProviderXAI)

	var gotProvider config.LLMProvider
	factory := NewComponentFactory(
		WithLauncher(browsertest.NewLauncher()),
		WithCompleterFactory(func(_ context.Context, cfg config.LLMModelConfig, _ *zap.Logger) (llmclient.Completer, error) {
			gotProvider = cfg.Provider
			return completer, nil
		}),
	)

	cfg := testConfig()
	c, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	assert.Equal(t, cfg.LLM().Provider, gotProvider)
	completer.AssertCalled(t, "Provider")
}

func TestCreate_LedgerOpened(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseCfg.URL = "postgres://quoteflow@localhost/quoteflow"

	var gotURL string
	closed := false
	factory := NewComponentFactory(
		WithLauncher(browsertest.NewLauncher()),
		WithCompleterFactory(noModel),
		WithLedgerOpener(func(_ context.Context, url string, _ *zap.Logger) (store.Ledger, func(), error) {
			gotURL = url
			return store.Noop{}, func() { closed = true }, nil
		}),
	)

	c, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, cfg.DatabaseCfg.URL, gotURL)

	c.Shutdown(context.Background())
	assert.True(t, closed, "shutdown closes the ledger pool")
}

func TestCreate_LedgerFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseCfg.URL = "postgres://quoteflow@localhost/quoteflow"

	factory := NewComponentFactory(
		WithLauncher(browsertest.NewLauncher()),
		WithCompleterFactory(noModel),
		WithLedgerOpener(func(context.Context, string, *zap.Logger) (store.Ledger, func(), error) {
			return nil, nil, errors.New("connection refused")
		}),
	)

	_, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open run ledger")
}

func TestCreate_ProxyPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ip.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"data":[{"ip":"10.0.0.1","port":"3128"},{"ip":"10.0.0.2","port":3128}]}`), 0o600))

	cfg := testConfig()
	cfg.ProxyCfg.Enabled = true
	cfg.ProxyCfg.PoolFile = path

	factory := NewComponentFactory(WithLauncher(browsertest.NewLauncher()), WithCompleterFactory(noModel))
	c, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Shutdown(context.Background())

	require.NotNil(t, c.Proxies)
	assert.Equal(t, 2, c.Proxies.Size())
}

func TestCreate_ProxyPoolMissing(t *testing.T) {
	cfg := testConfig()
	cfg.ProxyCfg.Enabled = true
	cfg.ProxyCfg.PoolFile = filepath.Join(t.TempDir(), "missing.json")

	closed := false
	cfg.DatabaseCfg.URL = "postgres://quoteflow@localhost/quoteflow"
	factory := NewComponentFactory(
		WithLauncher(browsertest.NewLauncher()),
		WithCompleterFactory(noModel),
		WithLedgerOpener(func(context.Context, string, *zap.Logger) (store.Ledger, func(), error) {
			return store.Noop{}, func() { closed = true }, nil
		}),
	)

	_, err := factory.Create(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "proxy pool"))
	assert.True(t, closed, "a failed startup releases what it already opened")
}

func TestCreate_BrowserManagerByDefault(t *testing.T) {
	factory := NewComponentFactory(WithCompleterFactory(noModel))
	c, err := factory.Create(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, c.BrowserManager)
	c.Shutdown(context.Background())
}
