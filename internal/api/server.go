// internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/api/schemas"
	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/premium"
	"github.com/xkilldash9x/quoteflow/internal/progress"
	"github.com/xkilldash9x/quoteflow/internal/store"
)

// Coordinator is the session surface the handlers drive.
type Coordinator interface {
	Initiate() string
	Submit(ctx context.Context, sessionID string, sub schemas.Submission) (schemas.CheckoutOutcome, error)
	Retry(ctx context.Context, sessionID, amount string) (schemas.CheckoutOutcome, error)
	Terminate(ctx context.Context, sessionID string) error
	Subscribe(sessionID string) (*progress.Subscription, error)
	Runs(ctx context.Context, sessionID string) ([]store.RunRecord, error)
}

// PremiumSource serves premium schedule lookups.
type PremiumSource interface {
	Schedule(ctx context.Context, q premium.Query) ([]schemas.PremiumRow, error)
}

// Server is the HTTP surface. Handlers translate requests and hold no
// business logic.
type Server struct {
	cfg      config.ServerConfig
	coord    Coordinator
	premiums PremiumSource
	logger   *zap.Logger

	// closing is closed when the server starts shutting down so that
	// long-lived streams end instead of holding the drain open.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates the API server.
func NewServer(cfg config.ServerConfig, coord Coordinator, premiums PremiumSource, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		coord:    coord,
		premiums: premiums,
		logger:   logger.Named("api"),
		closing:  make(chan struct{}),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Group(func(r chi.Router) {
		if s.cfg.Auth.Enabled() {
			r.Use(bearerAuth(s.cfg.Auth, s.logger))
		}
		r.Post("/init-session", s.handleInitSession)
		r.Post("/login", s.handleLogin)
		r.Post("/retry-notional", s.handleRetryNotional)
		r.Post("/terminate-session", s.handleTerminate)
		r.Post("/getData", s.handleGetData)
		r.Get("/logs/{session_id}", s.handleLogsSSE)
		r.Get("/ws/logs/{session_id}", s.handleLogsWS)
		r.Get("/sessions/{session_id}/runs", s.handleRuns)
	})
	return r
}

// Run serves on the configured address until ctx ends, then drains.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: progress streams stay open for the whole run.
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	srv.RegisterOnShutdown(s.beginClosing)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down API server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("API server stopped.")
	return nil
}

func (s *Server) beginClosing() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// streamContext ends when the request ends or the server begins shutting down.
func (s *Server) streamContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
