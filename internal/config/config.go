// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Checkout() CheckoutConfig
	Proxy() ProxyConfig
	LLM() LLMModelConfig
	Premium() PremiumConfig
	Database() DatabaseConfig
	Artifact() ArtifactConfig

	// Setters used by CLI flag overrides.
	SetServerAddr(string)
	SetEngineWorkerConcurrency(int)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	CheckoutCfg CheckoutConfig `mapstructure:"checkout" yaml:"checkout"`
	ProxyCfg    ProxyConfig    `mapstructure:"proxy" yaml:"proxy"`
	LLMCfg      LLMModelConfig `mapstructure:"llm" yaml:"llm"`
	PremiumCfg  PremiumConfig  `mapstructure:"premium" yaml:"premium"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	ArtifactCfg ArtifactConfig `mapstructure:"artifact" yaml:"artifact"`
}

var _ Interface = (*Config)(nil)

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Checkout() CheckoutConfig { return c.CheckoutCfg }
func (c *Config) Proxy() ProxyConfig       { return c.ProxyCfg }
func (c *Config) LLM() LLMModelConfig      { return c.LLMCfg }
func (c *Config) Premium() PremiumConfig   { return c.PremiumCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Artifact() ArtifactConfig { return c.ArtifactCfg }

func (c *Config) SetServerAddr(addr string)        { c.ServerCfg.Addr = addr }
func (c *Config) SetEngineWorkerConcurrency(n int) { c.EngineCfg.WorkerConcurrency = n }
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Auth              AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// AuthConfig enables the optional bearer-token guard. An empty secret disables it.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" yaml:"-"`
	Issuer    string `mapstructure:"issuer" yaml:"issuer"`
}

// Enabled reports whether API requests must carry a signed token.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// EngineConfig configures the bounded worker pool that executes pipeline runs.
type EngineConfig struct {
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	RunTimeout        time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// BrowserConfig holds settings for the remote UI agent.
type BrowserConfig struct {
	Headless     bool          `mapstructure:"headless" yaml:"headless"`
	Stealth      bool          `mapstructure:"stealth" yaml:"stealth"`
	RemoteURL    string        `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath     string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args         []string      `mapstructure:"args" yaml:"args"`
	WindowWidth  int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int           `mapstructure:"window_height" yaml:"window_height"`
	ElementWait  time.Duration `mapstructure:"element_wait" yaml:"element_wait"`
	PageWait     time.Duration `mapstructure:"page_wait" yaml:"page_wait"`
	ClickSettle  time.Duration `mapstructure:"click_settle" yaml:"click_settle"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// CheckoutConfig tunes the checkout retry engine.
type CheckoutConfig struct {
	DecisionWindow time.Duration `mapstructure:"decision_window" yaml:"decision_window"`
	PreviewSettle  time.Duration `mapstructure:"preview_settle" yaml:"preview_settle"`
	FinalizeWait   time.Duration `mapstructure:"finalize_wait" yaml:"finalize_wait"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	FetchRetries   int           `mapstructure:"fetch_retries" yaml:"fetch_retries"`
}

// ProxyConfig configures the upstream proxy pool used for portal sessions.
type ProxyConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	PoolFile  string `mapstructure:"pool_file" yaml:"pool_file"`
	RelayHost string `mapstructure:"relay_host" yaml:"relay_host"`
}

// LLMProvider defines the supported text-interpretation providers.
type LLMProvider string

const (
	ProviderXAI      LLMProvider = "xai"
	ProviderDeepSeek LLMProvider = "deepseek"
	ProviderOpenAI   LLMProvider = "openai"
	ProviderGemini   LLMProvider = "gemini"
)

// LLMModelConfig defines the configuration for the interpreter model.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// PremiumConfig locates the premium reference tables.
type PremiumConfig struct {
	PlansDir string `mapstructure:"plans_dir" yaml:"plans_dir"`
	MaxAge   int    `mapstructure:"max_age" yaml:"max_age"`
}

// DatabaseConfig holds the optional run-ledger connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ArtifactConfig controls artifact naming.
type ArtifactConfig struct {
	TimeZone string `mapstructure:"time_zone" yaml:"time_zone"`
}

// Location resolves the configured zone, falling back to a fixed GMT+8 offset
// when the tz database is unavailable in the container.
func (a ArtifactConfig) Location() *time.Location {
	if loc, err := time.LoadLocation(a.TimeZone); err == nil {
		return loc
	}
	return time.FixedZone("GMT+8", 8*60*60)
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.LLMCfg.applyProviderDefaults()
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "quoteflow")
	v.SetDefault("logger.log_file", "quoteflow.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.auth.issuer", "quoteflow")

	// -- Engine --
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.worker_concurrency", 32)
	v.SetDefault("engine.run_timeout", "20m")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.element_wait", "10s")
	v.SetDefault("browser.page_wait", "120s")
	v.SetDefault("browser.click_settle", "500ms")
	v.SetDefault("browser.poll_interval", "250ms")

	// -- Checkout --
	v.SetDefault("checkout.decision_window", "30s")
	v.SetDefault("checkout.preview_settle", "3s")
	v.SetDefault("checkout.finalize_wait", "10s")
	v.SetDefault("checkout.fetch_timeout", "60s")
	v.SetDefault("checkout.fetch_retries", 3)

	// -- Proxy --
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.pool_file", "ip.json")
	v.SetDefault("proxy.relay_host", "127.0.0.1")

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderXAI))
	v.SetDefault("llm.api_timeout", "180s")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.rate_limit", 2.0)
	v.SetDefault("llm.burst", 4)
	v.SetDefault("llm.max_elapsed", "3m")

	// -- Premium --
	v.SetDefault("premium.plans_dir", "plans")
	v.SetDefault("premium.max_age", 100)

	// -- Artifact --
	v.SetDefault("artifact.time_zone", "Asia/Shanghai")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "QUOTEFLOW_LLM_API_KEY")
	_ = v.BindEnv("server.auth.jwt_secret", "QUOTEFLOW_JWT_SECRET")
	_ = v.BindEnv("database.url", "QUOTEFLOW_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.LLMCfg.applyProviderDefaults()

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyProviderDefaults fills endpoint, model and key from the provider's conventions
// when they were not configured explicitly.
func (l *LLMModelConfig) applyProviderDefaults() {
	l.Provider = LLMProvider(strings.ToLower(string(l.Provider)))
	switch l.Provider {
	case ProviderXAI:
		if l.Endpoint == "" {
			l.Endpoint = "https://api.x.ai/v1"
		}
		if l.Model == "" {
			l.Model = "grok-3"
		}
		if l.APIKey == "" {
			l.APIKey = os.Getenv("GROK2_API_KEY")
		}
	case ProviderDeepSeek:
		if l.Endpoint == "" {
			l.Endpoint = "https://api.deepseek.com"
		}
		if l.Model == "" {
			l.Model = "deepseek-reasoner"
		}
		if l.APIKey == "" {
			l.APIKey = os.Getenv("DEEPSEEK_API_KEY")
		}
	case ProviderOpenAI:
		if l.Model == "" {
			l.Model = "gpt-4o"
		}
		if l.APIKey == "" {
			l.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	case ProviderGemini:
		if l.Model == "" {
			l.Model = "gemini-2.5-flash"
		}
		if l.APIKey == "" {
			l.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.PremiumCfg.PlansDir, &c.ProxyCfg.PoolFile, &c.LoggerCfg.LogFile, &c.BrowserCfg.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size must not be negative")
	}
	if c.CheckoutCfg.DecisionWindow <= 0 {
		return fmt.Errorf("checkout.decision_window must be a positive duration")
	}
	if c.BrowserCfg.ElementWait <= 0 || c.BrowserCfg.PageWait <= 0 {
		return fmt.Errorf("browser.element_wait and browser.page_wait must be positive durations")
	}
	if c.PremiumCfg.MaxAge <= 0 {
		return fmt.Errorf("premium.max_age must be a positive integer")
	}
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.ProxyCfg.Enabled && c.ProxyCfg.PoolFile == "" {
		return fmt.Errorf("proxy.pool_file is required when proxy.enabled is true")
	}
	return nil
}

// Validate checks the interpreter model settings.
func (l *LLMModelConfig) Validate() error {
	switch l.Provider {
	case ProviderXAI, ProviderDeepSeek, ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("unsupported provider %q", l.Provider)
	}
	if l.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}
