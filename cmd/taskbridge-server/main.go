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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskbridge/internal/bridge"
	"taskbridge/internal/config"
	"taskbridge/internal/logging"
	"taskbridge/internal/server/app"
	serverhttp "taskbridge/internal/server/http"
	"taskbridge/internal/server/ports"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configFile string
		port       int
	)

	rootCmd := &cobra.Command{
		Use:          "taskbridge-server",
		Short:        "Bridge natural-language commands to remotely executed coding tasks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.SetDefaultLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting taskbridge server (env=%s, addr=%s)", cfg.Environment, cfg.Addr())

	store := app.NewInMemoryTaskStore()
	streams := app.NewStreamManager()

	var executionBridge ports.ExecutionBridge
	if cfg.Bridge.URL != "" {
		logger.Info("Using remote execution backend at %s", cfg.Bridge.URL)
		executionBridge = bridge.NewRemote(cfg.Bridge.URL, cfg.Bridge.Timeout)
	} else {
		logger.Warn("No execution backend configured, using loopback bridge")
		executionBridge = bridge.NewLoopback()
	}

	coordinator := app.NewCoordinator(store, streams, executionBridge)
	webhooks := app.NewWebhookService(app.WebhookConfig{
		Secret:         cfg.Webhook.Secret,
		MentionTrigger: cfg.Webhook.MentionTrigger,
		Production:     cfg.Production(),
	}, store, streams, coordinator)

	router := serverhttp.NewRouter(serverhttp.RouterDeps{
		Coordinator: coordinator,
		Store:       store,
		Streams:     streams,
		Webhooks:    webhooks,
		EnableCORS:  cfg.Server.EnableCORS,
		Debug:       !cfg.Production(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		streams.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
