// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/api"
	"github.com/xkilldash9x/quoteflow/internal/network"
	"github.com/xkilldash9x/quoteflow/internal/premium"
	"github.com/xkilldash9x/quoteflow/internal/store"
)

// defaultShutdownTimeout bounds Shutdown when the caller's context has no deadline.
const defaultShutdownTimeout = 30 * time.Second

// TaskEngine is the part of the worker pool Components needs to drain.
type TaskEngine interface {
	Stop(ctx context.Context)
}

// SessionTerminator tears down every live portal session.
type SessionTerminator interface {
	Shutdown(ctx context.Context) error
}

// BrowserManager closes the browsers that are still open.
type BrowserManager interface {
	Shutdown(ctx context.Context) error
}

// Components holds every initialized service the API process runs with and
// owns their shutdown order.
type Components struct {
	Server         *api.Server
	Orchestrator   SessionTerminator
	TaskEngine     TaskEngine
	BrowserManager BrowserManager
	Premiums       *premium.Tables
	Proxies        *network.Pool
	Ledger         store.Ledger

	// dbClose releases the ledger pool when one was opened.
	dbClose func()
	logger  *zap.Logger
}

// Shutdown releases everything in reverse dependency order. The HTTP server
// is expected to have stopped accepting requests already.
func (c *Components) Shutdown(ctx context.Context) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Tear down live sessions. Runs in flight lose their browsers and settle.
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(ctx); err != nil {
			logger.Warn("Error while terminating sessions.", zap.Error(err))
		} else {
			logger.Debug("Sessions terminated.")
		}
	}

	// 2. Drain the worker pool.
	if c.TaskEngine != nil {
		c.TaskEngine.Stop(ctx)
		logger.Debug("Task engine stopped.")
	}

	// 3. Close any browser a session did not own.
	if c.BrowserManager != nil {
		if err := c.BrowserManager.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	// 4. The ledger goes last; settling runs write to it.
	if c.dbClose != nil {
		c.dbClose()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down successfully.")
}
