package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/dvtoor/pkg/api"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"api"},
	Short:   "Start the API server",
	Long: `Start the dvtoor API server. Runs are submitted over HTTP and their
lifecycle events are streamed to WebSocket clients on /ws.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}

	srv := api.NewServer(log, &cfg.API, svc.orch, svc.hub, svc.metrics)

	if err := srv.Start(ctx); err != nil {
		svc.stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down API server")
	cancel()

	stopErr := srv.Stop()

	svc.stop()

	if stopErr != nil {
		return fmt.Errorf("stopping api server: %w", stopErr)
	}

	return nil
}
