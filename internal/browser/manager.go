// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/browser/stealth"
	"github.com/xkilldash9x/quoteflow/internal/config"
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

const sessionStartTimeout = 60 * time.Second

// SessionOptions are per-session launch settings.
type SessionOptions struct {
	// ProxyServer is passed to Chrome as --proxy-server when set.
	ProxyServer string
}

// Launcher creates agents. The orchestrator depends on this rather than the
// concrete Manager so runs can be tested without Chrome.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, opts SessionOptions) (Agent, error)
}

// Manager launches one browser per portal session and tracks them for shutdown.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	// parent is the long-lived context allocators are derived from.
	parent context.Context

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
	closed   bool
}

var _ Launcher = (*Manager)(nil)

// NewManager creates a browser manager. No browser is started until Launch.
func NewManager(parent context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		parent:   Detach(parent),
		sessions: make(map[string]*Session),
	}
	if cfg.RemoteURL != "" {
		m.logger.Info("Browser manager will connect to a remote browser.", zap.String("remote_url", cfg.RemoteURL))
	}
	return m
}

// ExecAllocatorOptions translates the browser config into chromedp allocator options.
func ExecAllocatorOptions(cfg config.BrowserConfig, opts SessionOptions) []chromedp.ExecAllocatorOption {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		// The portal hands the proposal over in a separate window.
		chromedp.Flag("disable-popup-blocking", true),
	)

	// DefaultExecAllocatorOptions is headless; only override when disabled.
	if !cfg.Headless {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyServer))
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			allocOpts = append(allocOpts, chromedp.Flag(key, value))
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(arg, true))
	}
	return allocOpts
}

// Launch starts a browser for the session and returns its agent.
func (m *Manager) Launch(ctx context.Context, sessionID string, opts SessionOptions) (Agent, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if m.cfg.RemoteURL != "" {
		if opts.ProxyServer != "" {
			m.logger.Warn("Remote browser ignores the per-session proxy.", zap.String("session_id", sessionID))
		}
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(m.parent, m.cfg.RemoteURL)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(m.parent, ExecAllocatorOptions(m.cfg, opts)...)
	}

	sessionLogger := m.logger.With(zap.String("session_id", sessionID))
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sessionLogger.Sugar().Debugf),
		chromedp.WithErrorf(sessionLogger.Sugar().Warnf),
	)

	// The first Run starts the browser and binds its lifetime to the context it
	// is given, so it must receive tabCtx itself. Start-up is bounded separately.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	var err error
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(sessionStartTimeout):
		err = fmt.Errorf("browser did not start within %s", sessionStartTimeout)
	}
	if err != nil {
		tabCancel()
		allocCancel()
		m.wg.Done()
		return nil, fmt.Errorf("failed to start browser for session %s: %w", sessionID, err)
	}

	if m.cfg.Stealth {
		if err := chromedp.Run(tabCtx, stealth.Apply(stealth.DefaultPersona, sessionLogger)); err != nil {
			// The portal still works without the persona; only detection gets easier.
			sessionLogger.Warn("Failed to apply stealth persona.", zap.Error(err))
		}
	}

	s := newSession(sessionID, tabCtx, tabCancel, allocCancel, m.cfg, m.logger)
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		m.wg.Done()
		sessionLogger.Debug("Browser session removed from manager.")
	}

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	sessionLogger.Info("Browser session started.", zap.Bool("proxied", opts.ProxyServer != ""))
	return s, nil
}

// Active returns the number of live browser sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every remaining browser and refuses new launches.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	toClose := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		toClose = append(toClose, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("sessions", len(toClose)))
	for _, s := range toClose {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing browser session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All browser sessions closed.")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for browser sessions to close.", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
