package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/johnwikman/id2202-autograder/pkg/store"
	"github.com/johnwikman/id2202-autograder/pkg/watchdog"
)

const (
	respawnDelay   = 5 * time.Second
	childWaitDelay = 15 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the full grading system",
	Long: `Start the supervisor. It spawns the gateway server and the configured
number of runner processes as children, respawns any child that exits, and
runs the liveness watchdog that reclaims work from dead runners.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	wd := watchdog.NewWatchdog(log, &cfg.Watchdog, st)

	// Sweep once before spawning children so submissions orphaned by a
	// previous supervisor are requeued immediately.
	if err := wd.Sweep(ctx); err != nil {
		log.WithError(err).Warn("Initial watchdog sweep failed")
	}

	if err := wd.Start(ctx); err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return supervise(gctx, exe, "server",
			"server", "--config", cfgFile, "--log-level", logLevel)
	})

	for i := 1; i <= cfg.Runner.Count; i++ {
		name := fmt.Sprintf("runner-%d", i)

		g.Go(func() error {
			return supervise(gctx, exe, name,
				"runner", "--runner-id", name,
				"--config", cfgFile, "--log-level", logLevel)
		})
	}

	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.WithError(err).Warn("Supervisor loop error")
	}

	if err := wd.Stop(); err != nil {
		return fmt.Errorf("stopping watchdog: %w", err)
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}

// supervise runs one child process and respawns it whenever it exits,
// until the context is canceled. Children get SIGTERM on shutdown and a
// grace period before being killed.
func supervise(ctx context.Context, exe, name string, args ...string) error {
	childLog := log.WithField("child", name)

	for {
		child := exec.CommandContext(ctx, exe, args...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		child.Cancel = func() error {
			return child.Process.Signal(syscall.SIGTERM)
		}
		child.WaitDelay = childWaitDelay

		childLog.Info("Spawning child process")

		err := child.Run()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		childLog.WithError(err).Warn("Child process exited, respawning")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(respawnDelay):
		}
	}
}
