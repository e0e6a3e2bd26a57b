package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/johnwikman/id2202-autograder/pkg/artifacts"
	"github.com/johnwikman/id2202-autograder/pkg/executor"
	"github.com/johnwikman/id2202-autograder/pkg/report"
	"github.com/johnwikman/id2202-autograder/pkg/runner"
	"github.com/johnwikman/id2202-autograder/pkg/sandbox"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

var runnerID string

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Start a grading worker",
	Long: `Start a single grading worker. The worker claims queued submissions,
grades them in the configured sandbox, and reports verdicts back to GitHub.
The --runner-id must be stable across restarts so interrupted work can be
recovered.`,
	RunE: runRunner,
}

func init() {
	runnerCmd.Flags().StringVar(&runnerID, "runner-id", "",
		"stable runner identity (required)")

	if err := runnerCmd.MarkFlagRequired("runner-id"); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runnerCmd)
}

func runRunner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	sb, err := sandbox.New(log, &cfg.Runner.Sandbox, runnerID, cfg.Runner.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}

	if err := sb.Start(ctx); err != nil {
		return fmt.Errorf("starting sandbox: %w", err)
	}

	var up artifacts.Uploader

	if cfg.Artifacts != nil && cfg.Artifacts.Enabled {
		up, err = artifacts.NewUploader(log, cfg.Artifacts)
		if err != nil {
			return fmt.Errorf("creating artifact uploader: %w", err)
		}

		if err := up.Preflight(ctx); err != nil {
			return fmt.Errorf("artifact store preflight: %w", err)
		}
	}

	rep := report.NewReporter(log, &cfg.GitHub)
	exec := executor.NewExecutor(log, &cfg.Runner, &cfg.GitHub, sb)

	r := runner.NewRunner(log, cfg, runnerID, st, rep, exec, up)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down runner")
	cancel()

	if err := r.Stop(); err != nil {
		return fmt.Errorf("stopping runner: %w", err)
	}

	if err := sb.Stop(); err != nil {
		return fmt.Errorf("stopping sandbox: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}
