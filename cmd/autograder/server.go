package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/gateway"
	"github.com/johnwikman/id2202-autograder/pkg/report"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the webhook ingestion server",
	Long: `Start the gateway HTTP server. It authenticates GitHub push webhooks,
queues submissions for grading, and serves a small read-only API over the
submission queue.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	rep := report.NewReporter(log, &cfg.GitHub)

	srv := gateway.NewServer(log, cfg, st, rep)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down server")
	cancel()

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping gateway server: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}

// loadConfig loads and validates the config given by --config.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}
