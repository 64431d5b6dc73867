// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "quoteflow", cfg.Logger().ServiceName)
	assert.Equal(t, 32, cfg.Engine().WorkerConcurrency)
	assert.Equal(t, 20*time.Minute, cfg.Engine().RunTimeout)
	assert.True(t, cfg.Browser().Headless)
	assert.True(t, cfg.Browser().Stealth)
	assert.Equal(t, 10*time.Second, cfg.Browser().ElementWait)
	assert.Equal(t, 30*time.Second, cfg.Checkout().DecisionWindow)
	assert.Equal(t, ProviderXAI, cfg.LLM().Provider)
	assert.Equal(t, "https://api.x.ai/v1", cfg.LLM().Endpoint)
	assert.Equal(t, "grok-3", cfg.LLM().Model)
	assert.Equal(t, "plans", cfg.Premium().PlansDir)
	assert.Equal(t, 100, cfg.Premium().MaxAge)
	assert.False(t, cfg.Proxy().Enabled)
	assert.False(t, cfg.Server().Auth.Enabled())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("valid defaults", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("invalid engine concurrency", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.EngineCfg.WorkerConcurrency = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine.worker_concurrency must be a positive integer")
	})

	t.Run("invalid decision window", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.CheckoutCfg.DecisionWindow = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checkout.decision_window")
	})

	t.Run("proxy enabled without pool file", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.ProxyCfg.Enabled = true
		cfg.ProxyCfg.PoolFile = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "proxy.pool_file")
	})

	t.Run("unsupported provider", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.LLMCfg.Provider = "anthropic"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider")
	})
}

func TestProviderDefaults(t *testing.T) {
	testCases := []struct {
		provider LLMProvider
		endpoint string
		model    string
	}{
		{ProviderXAI, "https://api.x.ai/v1", "grok-3"},
		{ProviderDeepSeek, "https://api.deepseek.com", "deepseek-reasoner"},
		{ProviderOpenAI, "", "gpt-4o"},
		{ProviderGemini, "", "gemini-2.5-flash"},
	}
	for _, tc := range testCases {
		t.Run(string(tc.provider), func(t *testing.T) {
			l := LLMModelConfig{Provider: tc.provider}
			l.applyProviderDefaults()
			assert.Equal(t, tc.endpoint, l.Endpoint)
			assert.Equal(t, tc.model, l.Model)
		})
	}

	t.Run("explicit values win", func(t *testing.T) {
		l := LLMModelConfig{Provider: "DeepSeek", Model: "deepseek-chat", Endpoint: "http://localhost:9000"}
		l.applyProviderDefaults()
		assert.Equal(t, ProviderDeepSeek, l.Provider)
		assert.Equal(t, "deepseek-chat", l.Model)
		assert.Equal(t, "http://localhost:9000", l.Endpoint)
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := []byte(`
logger:
  level: debug
server:
  addr: ":9090"
engine:
  worker_concurrency: 4
llm:
  provider: deepseek
premium:
  plans_dir: /srv/plans
checkout:
  decision_window: 45s
`)
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, ":9090", cfg.Server().Addr)
	assert.Equal(t, 4, cfg.Engine().WorkerConcurrency)
	assert.Equal(t, ProviderDeepSeek, cfg.LLM().Provider)
	assert.Equal(t, "deepseek-reasoner", cfg.LLM().Model)
	assert.Equal(t, "/srv/plans", cfg.Premium().PlansDir)
	assert.Equal(t, 45*time.Second, cfg.Checkout().DecisionWindow)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Browser().ElementWait)
}

func TestNewConfigFromViper_EnvSecrets(t *testing.T) {
	t.Setenv("QUOTEFLOW_LLM_API_KEY", "sk-env")
	t.Setenv("QUOTEFLOW_JWT_SECRET", "s3cret")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.LLM().APIKey)
	assert.True(t, cfg.Server().Auth.Enabled())
}

func TestNewConfigFromViper_LegacyProviderKey(t *testing.T) {
	t.Setenv("GROK2_API_KEY", "xai-legacy")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "xai-legacy", cfg.LLM().APIKey)
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetServerAddr("127.0.0.1:1234")
	cfg.SetEngineWorkerConcurrency(2)
	cfg.SetBrowserHeadless(false)

	assert.Equal(t, "127.0.0.1:1234", cfg.Server().Addr)
	assert.Equal(t, 2, cfg.Engine().WorkerConcurrency)
	assert.False(t, cfg.Browser().Headless)
}

func TestArtifactLocation(t *testing.T) {
	loc := ArtifactConfig{TimeZone: "Not/AZone"}.Location()
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).In(loc)
	_, offset := ts.Zone()
	assert.Equal(t, 8*60*60, offset)
}
