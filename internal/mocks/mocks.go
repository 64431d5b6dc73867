// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/extraction"
	"github.com/xkilldash9x/quoteflow/internal/llmclient"
	"github.com/xkilldash9x/quoteflow/internal/network"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

var _ config.Interface = (*MockConfig)(nil)

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Server() config.ServerConfig {
	args := m.Called()
	return args.Get(0).(config.ServerConfig)
}

func (m *MockConfig) Engine() config.EngineConfig {
	args := m.Called()
	return args.Get(0).(config.EngineConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Checkout() config.CheckoutConfig {
	args := m.Called()
	return args.Get(0).(config.CheckoutConfig)
}

func (m *MockConfig) Proxy() config.ProxyConfig {
	args := m.Called()
	return args.Get(0).(config.ProxyConfig)
}

func (m *MockConfig) LLM() config.LLMModelConfig {
	args := m.Called()
	return args.Get(0).(config.LLMModelConfig)
}

func (m *MockConfig) Premium() config.PremiumConfig {
	args := m.Called()
	return args.Get(0).(config.PremiumConfig)
}

func (m *MockConfig) Database() config.DatabaseConfig {
	args := m.Called()
	return args.Get(0).(config.DatabaseConfig)
}

func (m *MockConfig) Artifact() config.ArtifactConfig {
	args := m.Called()
	return args.Get(0).(config.ArtifactConfig)
}

// --- Setters ---

func (m *MockConfig) SetServerAddr(addr string) {
	m.Called(addr)
}

func (m *MockConfig) SetEngineWorkerConcurrency(w int) {
	m.Called(w)
}

func (m *MockConfig) SetBrowserHeadless(b bool) {
	m.Called(b)
}

// -- LLM Client Mock --

// MockCompleter mocks the llmclient.Completer interface.
type MockCompleter struct {
	mock.Mock
}

var _ llmclient.Completer = (*MockCompleter)(nil)

// Complete provides a mock function for model calls.
func (m *MockCompleter) Complete(ctx context.Context, req llmclient.Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockCompleter) Provider() config.LLMProvider {
	args := m.Called()
	return args.Get(0).(config.LLMProvider)
}

// -- Interpreter Mock --

// MockInterpreter mocks the extraction.Interpreter interface.
type MockInterpreter struct {
	mock.Mock
}

var _ extraction.Interpreter = (*MockInterpreter)(nil)

func (m *MockInterpreter) Interpret(ctx context.Context, text string, req extraction.FactRequest) (extraction.PartialFacts, error) {
	args := m.Called(ctx, text, req)
	return args.Get(0).(extraction.PartialFacts), args.Error(1)
}

// -- Fetcher Mock --

// MockFetcher mocks the network.Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

var _ network.Fetcher = (*MockFetcher)(nil)

func (m *MockFetcher) Fetch(ctx context.Context, req network.FetchRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	var body []byte
	if b := args.Get(0); b != nil {
		body = b.([]byte)
	}
	return body, args.Error(1)
}
