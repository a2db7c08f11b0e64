// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mirovane/lookalike/internal/api"
	"github.com/mirovane/lookalike/internal/observability"
)

// newServeCmd creates the `serve` command: the dashboard API backend.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the discovery dashboard API server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
				return viper.BindPFlag("server.addr", f)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			// Re-apply flag overrides on top of the loaded config.
			if err := viper.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to apply flag overrides: %w", err)
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer comps.Shutdown()

			handler := api.NewServer(comps.Store, comps.Engine, cfg.Discovery, logger)
			srv := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: handler,
				// Synchronous triggers run whole discoveries inside one
				// request, so the write timeout is deliberately long.
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("API server listening", zap.String("addr", cfg.Server.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info("Shutting down API server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			return nil
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address (overrides config/env)")
	return serveCmd
}
