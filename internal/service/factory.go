// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/api"
	"github.com/xkilldash9x/quoteflow/internal/browser"
	"github.com/xkilldash9x/quoteflow/internal/checkout"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/engine"
	"github.com/xkilldash9x/quoteflow/internal/extraction"
	"github.com/xkilldash9x/quoteflow/internal/llmclient"
	"github.com/xkilldash9x/quoteflow/internal/network"
	"github.com/xkilldash9x/quoteflow/internal/orchestrator"
	"github.com/xkilldash9x/quoteflow/internal/pipeline"
	"github.com/xkilldash9x/quoteflow/internal/premium"
	"github.com/xkilldash9x/quoteflow/internal/session"
	"github.com/xkilldash9x/quoteflow/internal/store"
)

// ComponentFactory creates the set of components the API process runs with.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// LedgerOpener connects the run ledger. The returned func releases it.
type LedgerOpener func(ctx context.Context, url string, logger *zap.Logger) (store.Ledger, func(), error)

// CompleterFactory builds the text model client used for fact extraction.
type CompleterFactory func(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (llmclient.Completer, error)

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	openLedger   LedgerOpener
	newCompleter CompleterFactory
	launcher     browser.Launcher
}

// FactoryOption overrides one of the factory's collaborators.
type FactoryOption func(*concreteFactory)

// WithLedgerOpener replaces the Postgres ledger connection.
func WithLedgerOpener(open LedgerOpener) FactoryOption {
	return func(f *concreteFactory) { f.openLedger = open }
}

// WithCompleterFactory replaces the text model client constructor.
func WithCompleterFactory(fn CompleterFactory) FactoryOption {
	return func(f *concreteFactory) { f.newCompleter = fn }
}

// WithLauncher runs sessions on l instead of a local browser manager.
func WithLauncher(l browser.Launcher) FactoryOption {
	return func(f *concreteFactory) { f.launcher = l }
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{
		openLedger: func(ctx context.Context, url string, logger *zap.Logger) (store.Ledger, func(), error) {
			return store.Open(ctx, url, logger)
		},
		newCompleter: llmclient.NewClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the dependency injection and initialization of every component.
// If a step fails, whatever was already started is shut down again.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown(context.Background())
		}
	}()

	// 1. Run ledger. Optional: without a database URL runs are not recorded.
	components.Ledger = store.Noop{}
	if url := cfg.Database().URL; url != "" {
		ledger, closeFn, err := f.openLedger(ctx, url, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to open run ledger: %w", err)
			return nil, initializationErr
		}
		components.Ledger = ledger
		components.dbClose = closeFn
		logger.Debug("Run ledger connected.")
	} else {
		logger.Info("No database configured; run history will not be recorded.")
	}

	// 2. Browser manager. Browsers outlive the startup context.
	launcher := f.launcher
	if launcher == nil {
		manager := browser.NewManager(browser.Detach(ctx), cfg.Browser(), logger)
		components.BrowserManager = manager
		launcher = manager
	}
	logger.Debug("Browser launcher initialized.")

	// 3. Proxy pool.
	var proxies *network.Pool
	if pc := cfg.Proxy(); pc.Enabled {
		pool, err := network.LoadPool(pc.PoolFile, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to load proxy pool: %w", err)
			return nil, initializationErr
		}
		proxies = pool
		components.Proxies = pool
		logger.Info("Proxy pool loaded.", zap.Int("size", pool.Size()))
	}

	// 4. Fact extraction. A missing model key degrades to zero-valued facts.
	completer, err := f.newCompleter(ctx, cfg.LLM(), logger)
	if err != nil {
		logger.Warn("Text model unavailable; extracted facts will be empty.",
			zap.String("provider", string(cfg.LLM().Provider)), zap.Error(err))
		completer = llmclient.NewDisabled(cfg.LLM().Provider)
	}
	extractor := extraction.NewExtractor(extraction.NewLLMInterpreter(completer, logger), logger)
	logger.Debug("Extractor initialized.", zap.String("model", extraction.ModelLabel(completer.Provider())))

	// 5. Checkout engine and artifact fetcher.
	cc := cfg.Checkout()
	fetcher := network.NewArtifactFetcher(nil, cc.FetchTimeout, cc.FetchRetries, logger)
	checkoutEngine := checkout.NewEngine(cc, cfg.Browser().PollInterval, fetcher, extractor, cfg.Artifact().Location(), logger)
	logger.Debug("Checkout engine initialized.")

	// 6. Form pipeline.
	filler := pipeline.New(pipeline.DefaultCatalog(), cfg.Browser(), logger)
	logger.Debug("Form pipeline initialized.")

	// 7. Task engine. Runs are not tied to the startup context; Shutdown drains them.
	taskEngine, err := engine.New(cfg, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize task engine: %w", err)
		return nil, initializationErr
	}
	taskEngine.Start(context.WithoutCancel(ctx))
	components.TaskEngine = taskEngine
	logger.Debug("Task engine started.")

	// 8. Orchestrator.
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Sessions:  session.NewStore(logger),
		Launcher:  launcher,
		Filler:    filler,
		Checkout:  checkoutEngine,
		Runner:    taskEngine,
		Proxies:   proxies,
		RelayHost: cfg.Proxy().RelayHost,
		Ledger:    components.Ledger,
	}, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	logger.Debug("Orchestrator initialized.")

	// 9. Premium tables and the API server.
	components.Premiums = premium.NewTables(cfg.Premium(), logger)
	components.Server = api.NewServer(cfg.Server(), orch, components.Premiums, logger)

	logger.Info("All components initialized successfully.")
	return components, nil
}
