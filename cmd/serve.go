// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/quoteflow/internal/config"
	"github.com/xkilldash9x/quoteflow/internal/observability"
	"github.com/xkilldash9x/quoteflow/internal/service"
)

// componentFactory is swapped in tests.
var componentFactory = service.NewComponentFactory

func newServeCmd(opts *rootOptions) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the quote API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := opts.cfg
			if err := applyServeFlags(cmd, cfg); err != nil {
				return err
			}

			logger.Info("Starting quoteflow",
				zap.String("version", Version),
				zap.String("addr", cfg.Server().Addr),
				zap.Int("workers", cfg.Engine().WorkerConcurrency),
				zap.Bool("auth", cfg.Server().Auth.Enabled()),
				zap.Bool("proxy_pool", cfg.Proxy().Enabled),
			)

			components, err := componentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}

			runErr := components.Server.Run(ctx)

			// The signal context is already canceled here; Shutdown applies its own deadline.
			components.Shutdown(context.WithoutCancel(ctx))

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return fmt.Errorf("API server failed: %w", runErr)
			}
			logger.Info("quoteflow stopped.")
			return nil
		},
	}

	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().Int("workers", 0, "concurrent portal runs (overrides engine.worker_concurrency)")
	serveCmd.Flags().Bool("headless", true, "run Chrome headless (overrides browser.headless)")
	return serveCmd
}

// applyServeFlags lets explicitly set flags win over file and environment values.
func applyServeFlags(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		addr, _ := flags.GetString("addr")
		cfg.SetServerAddr(addr)
	}
	if flags.Changed("workers") {
		n, _ := flags.GetInt("workers")
		if n <= 0 {
			return fmt.Errorf("--workers must be a positive integer")
		}
		cfg.SetEngineWorkerConcurrency(n)
	}
	if flags.Changed("headless") {
		headless, _ := flags.GetBool("headless")
		cfg.SetBrowserHeadless(headless)
	}
	return nil
}
