package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/flows/fraudreport"
	"github.com/sicko7947/stepflow/internal/config"
	"github.com/sicko7947/stepflow/internal/server"
)

// Headers set by the gateway after authenticating the caller
const (
	headerAccountVerified = "X-Account-Verified"
	headerPackActive      = "X-Pack-Active"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow API",
	Long: `Serve exposes the workflows over HTTP until interrupted.

Instances live in memory and expire after engine.instance_ttl of inactivity.
Outcomes go to the configured store. Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// reportGate lets only verified accounts with an active pack file reports
func reportGate(c fiber.Ctx, _ stepflow.WorkflowType) error {
	return fraudreport.CheckEligibility(fraudreport.Account{
		Verified:   c.Get(headerAccountVerified) == "true",
		PackActive: c.Get(headerPackActive) == "true",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.New(a.engine, a.backend.outcomes,
		server.WithLogger(a.logger.With().Str("component", "http").Logger()),
		server.WithMetrics(a.metrics, prometheus.DefaultGatherer),
		server.WithGate(fraudreport.Type, reportGate),
		server.WithBodyLimit(cfg.Server.BodyLimit),
		server.WithRunWait(cfg.Engine.StepTimeout),
	)

	go a.sweep(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		a.logger.Error().Err(err).Msg("Server stopped unexpectedly")
		return err
	case <-quit:
	}

	a.logger.Info().Msg("Shutting down server...")
	cancel()
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		a.logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	a.logger.Info().Msg("Server stopped")
	return nil
}
