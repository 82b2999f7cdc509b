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

	"github.com/holdfast-io/holdfast/internal/app"
	"github.com/holdfast-io/holdfast/internal/worker"
	"github.com/holdfast-io/holdfast/pkg/config"
	"github.com/holdfast-io/holdfast/pkg/observability"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "holdfast",
		Short: "Booking and payment consistency engine",
		Long: `Holdfast keeps slot claims, reservations, payment intents, and
provider webhooks consistent under concurrency, retries, and crashes.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd(), workerCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func buildContainer(ctx context.Context) (*app.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return app.NewContainer(ctx, cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			container, err := buildContainer(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			server := container.NewAPIServer()
			errCh := make(chan error, 1)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker (outbox dispatcher, timeout reaper, refund consumer)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			container, err := buildContainer(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			return worker.Run(ctx, container)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			container, err := buildContainer(ctx)
			if err != nil {
				return err
			}
			defer container.Close()

			if err := container.Migrator.Run(ctx); err != nil {
				return err
			}
			version, err := container.Migrator.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d\n", version)
			return nil
		},
	}
}
