package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/aretw0/lattice/pkg/adapters/http"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Exposes the engine as a JSON API over HTTP, with Server-Sent Events per run
and Prometheus metrics on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, rt, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}

		opts := []httpAdapter.Option{
			httpAdapter.WithStreams(rt.Streams),
			httpAdapter.WithLogger(logger.With("component", "http")),
		}
		if cfg.HTTP.Metrics {
			opts = append(opts, httpAdapter.WithMetrics(rt.Metrics.Handler()))
		}

		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           httpAdapter.NewHandler(rt.Engine, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Channel to listen for errors coming from the listener.
		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Starting Lattice Server", "addr", srv.Addr, "store", cfg.Store.Backend, "definitions", cfg.DefinitionsDir)
			serverErrors <- srv.ListenAndServe()
		}()

		// Channel to listen for interrupt or terminate signals.
		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(shutdown)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.Info("Start shutdown", "signal", sig)

			// Give outstanding requests a deadline for completion.
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("Graceful shutdown did not complete", "timeout", shutdownTimeout, "err", err)
				if err := srv.Close(); err != nil {
					return fmt.Errorf("error killing server: %w", err)
				}
			}
			logger.Info("Lattice Server stopped gracefully")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Address to listen on (overrides config)")
}
