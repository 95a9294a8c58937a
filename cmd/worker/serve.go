package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/runpod-workers/worker-flash/internal/api"
	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		configPath string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker as an HTTP server",
		Long:  "Run the worker as an HTTP server exposing /execute, health probes,\nmetrics, and dynamically registered class-method endpoints.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Server.Addr = listenAddr
			}
			if logLevel != "" {
				cfg.Server.LogLevel = logLevel
			}
			logging.InitStructured(logFormat, cfg.Server.LogLevel)

			ctx := cmd.Context()
			w, err := buildWorker(ctx, cfg)
			if err != nil {
				return fmt.Errorf("worker startup: %w", err)
			}
			defer w.close(context.Background())

			httpServer := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: api.NewServer(w.exec),
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("worker server started", "addr", cfg.Server.Addr, "endpoint_id", config.EndpointID())
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logging.Op().Info("shutdown signal received", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("shutdown server: %w", err)
				}
				return nil
			case err := <-errCh:
				return fmt.Errorf("server error: %w", err)
			}
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default from config, :8000)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warning, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	return cmd
}
