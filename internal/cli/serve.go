package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildtall-systems/dropship/internal/config"
	"github.com/buildtall-systems/dropship/internal/httpapi"
	"github.com/buildtall-systems/dropship/internal/logging"
	"github.com/buildtall-systems/dropship/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API",
	Long:  `Start the HTTP API for triggering cycles, inspecting products and orders, and resetting circuit breakers.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// bootstrap loads config and installs the logger.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.Setup(cfg.Verbose, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Insecure:       cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flushing traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if cfg.Server.TokenHash == "" {
		logger.Warn("server.token_hash is empty; API authentication is disabled")
	}
	api := httpapi.New(httpapi.Deps{
		Orchestrator: a.orchestrator,
		Fulfillment:  a.fulfillment,
		Workflow:     a.workflow,
		Breakers:     a.breakers,
		Metrics:      a.metrics,
		Ping:         a.db.PingContext,
	}, httpapi.Config{
		TokenHash:      cfg.Server.TokenHash,
		RequestsPerMin: cfg.Server.RequestsPerMin,
		Parallel:       cfg.Orchestrator.Parallel,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dropship listening", "addr", cfg.Server.Addr, "database", cfg.Database.Driver)
		errCh <- api.Listen(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := api.ShutdownWithTimeout(10 * time.Second); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
