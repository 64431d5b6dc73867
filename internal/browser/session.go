// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/config"
)

// Session is the chromedp-backed Agent. It owns its own browser process (or
// remote connection) so that each portal session can sit behind its own proxy.
type Session struct {
	id     string
	logger *zap.Logger
	cfg    config.BrowserConfig

	// rootCtx is the first tab; closing it tears down the browser.
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	allocCancel context.CancelFunc

	onClose func()

	mu       sync.Mutex
	active   context.Context
	attached map[target.ID]context.CancelFunc
	isClosed bool
}

var _ Agent = (*Session)(nil)

func newSession(id string, rootCtx context.Context, rootCancel, allocCancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger) *Session {
	return &Session{
		id:          id,
		logger:      logger.With(zap.String("session_id", id)),
		cfg:         cfg,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		allocCancel: allocCancel,
		active:      rootCtx,
		attached:    make(map[target.ID]context.CancelFunc),
	}
}

// ID returns the owning portal session id.
func (s *Session) ID() string { return s.id }

// activeContext returns the CDP context of the current window, or a KindClosed error.
func (s *Session) activeContext(op string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, &Error{Op: op, Kind: KindClosed, Err: context.Canceled}
	}
	return s.active, nil
}

// run executes actions against the active window, bounded by both the
// session lifetime and ctx, and an optional per-call timeout.
func (s *Session) run(ctx context.Context, op string, loc Locator, timeout time.Duration, actions ...chromedp.Action) error {
	tabCtx, err := s.activeContext(op)
	if err != nil {
		return err
	}
	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()
	if timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, timeout)
		defer timeoutCancel()
	}
	err = chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil && tabCtx.Err() == nil {
		return ctx.Err()
	}
	return classify(op, loc, err, tabCtx.Err())
}

// Navigate implements Agent.
func (s *Session) Navigate(ctx context.Context, url string) error {
	s.logger.Debug("Navigating.", zap.String("url", url))
	return s.run(ctx, "navigate", Locator{}, s.cfg.PageWait,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// CurrentURL implements Agent.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	err := s.run(ctx, "location", Locator{}, s.cfg.ElementWait, chromedp.Location(&loc))
	return loc, err
}

// Windows implements Agent.
func (s *Session) Windows(ctx context.Context) ([]Window, error) {
	if _, err := s.activeContext("windows"); err != nil {
		return nil, err
	}
	runCtx, cancel := CombineContext(s.rootCtx, ctx)
	defer cancel()

	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return nil, classify("windows", Locator{}, err, s.rootCtx.Err())
	}
	windows := make([]Window, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		windows = append(windows, Window{ID: string(info.TargetID), URL: info.URL})
	}
	return windows, nil
}

// SwitchTo implements Agent. Windows are attached lazily and stay attached
// until the session closes.
func (s *Session) SwitchTo(ctx context.Context, windowID string) error {
	id := target.ID(windowID)

	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return &Error{Op: "switch", Kind: KindClosed, Err: context.Canceled}
	}
	if rootTarget := chromedp.FromContext(s.rootCtx).Target; rootTarget != nil && rootTarget.TargetID == id {
		s.active = s.rootCtx
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// Attaching binds the target executor to the context given to the first Run,
	// so tabCtx is used directly and ctx only bounds the wait.
	tabCtx, tabCancel := chromedp.NewContext(s.rootCtx, chromedp.WithTargetID(id))
	attached := make(chan error, 1)
	go func() { attached <- chromedp.Run(tabCtx) }()
	var err error
	select {
	case err = <-attached:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		return classify("switch", Locator{}, err, s.rootCtx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		tabCancel()
		return &Error{Op: "switch", Kind: KindClosed, Err: context.Canceled}
	}
	if prev, ok := s.attached[id]; ok {
		prev()
	}
	s.attached[id] = tabCancel
	s.active = tabCtx
	s.logger.Debug("Switched window.", zap.String("target_id", windowID))
	return nil
}

// Cookies implements Agent.
func (s *Session) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	var cdpCookies []*network.Cookie
	err := s.run(ctx, "cookies", Locator{}, s.cfg.ElementWait, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		cdpCookies, err = network.GetCookies().WithURLs([]string{url}).Do(c)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make([]*http.Cookie, 0, len(cdpCookies))
	for _, c := range cdpCookies {
		cookies = append(cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return cookies, nil
}

// Close terminates the browser. Later calls are no-ops.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	attached := s.attached
	s.attached = nil
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	for _, cancel := range attached {
		cancel()
	}

	// Closing the first tab gracefully stops the browser it launched.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if s.rootCancel != nil {
			s.rootCancel()
		}
	}()
	var closeErr error
	select {
	case <-done:
	case <-ctx.Done():
		closeErr = fmt.Errorf("closing browser session: %w", ctx.Err())
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}

	if s.onClose != nil {
		s.onClose()
	}
	return closeErr
}
