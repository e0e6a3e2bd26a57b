// Package watchdog recovers work from dead runners. A runner whose
// heartbeat has gone stale is presumed dead; its unfinished submission
// is released back to the queue and its liveness row removed.
// Submissions that keep killing runners are quarantined instead of
// being retried forever.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

const quarantineReport = "The autograder failed repeatedly while grading this " +
	"submission and has stopped retrying it. Please contact the course staff."

// Watchdog periodically sweeps for dead runners.
type Watchdog interface {
	Start(ctx context.Context) error
	Stop() error

	// Sweep runs one pass. Exposed for the supervisor's startup pass.
	Sweep(ctx context.Context) error
}

// Compile-time interface check.
var _ Watchdog = (*watchdog)(nil)

type watchdog struct {
	log      logrus.FieldLogger
	cfg      *config.WatchdogConfig
	store    store.Store
	hostname string

	// deferred tracks stale runners whose pid still existed locally at
	// the previous sweep. Existence buys exactly one sweep of grace;
	// heartbeat staleness stays the source of truth.
	deferred map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatchdog creates a watchdog over the given store.
func NewWatchdog(
	log logrus.FieldLogger,
	cfg *config.WatchdogConfig,
	st store.Store,
) Watchdog {
	hostname, _ := os.Hostname()

	return &watchdog{
		log:      log.WithField("component", "watchdog"),
		cfg:      cfg,
		store:    st,
		hostname: hostname,
		deferred: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (w *watchdog) Start(ctx context.Context) error {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.cfg.Sweep())
		defer ticker.Stop()

		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Sweep(ctx); err != nil {
					w.log.WithError(err).Error("Sweep failed")
				}
			}
		}
	}()

	w.log.WithFields(logrus.Fields{
		"interval":  w.cfg.Sweep(),
		"staleness": w.cfg.Staleness(),
	}).Info("Watchdog started")

	return nil
}

// Stop ends the sweep loop.
func (w *watchdog) Stop() error {
	close(w.done)
	w.wg.Wait()

	return nil
}

// Sweep releases the claims of every runner whose heartbeat is older
// than the staleness threshold, then quarantines claim-exhausted
// submissions.
func (w *watchdog) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.cfg.Staleness())

	stale, err := w.store.StaleRunners(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale runners: %w", err)
	}

	staleNames := make(map[string]struct{}, len(stale))

	for _, r := range stale {
		staleNames[r.Name] = struct{}{}

		if w.shouldDefer(&r) {
			w.log.WithFields(logrus.Fields{
				"runner": r.Name,
				"pid":    r.PID,
			}).Warn("Stale runner still has a live process, deferring one sweep")

			continue
		}

		if err := w.reap(ctx, &r); err != nil {
			return err
		}
	}

	// Recovered runners drop out of the grace table.
	for name := range w.deferred {
		if _, ok := staleNames[name]; !ok {
			delete(w.deferred, name)
		}
	}

	if _, err := w.store.QuarantineExhausted(
		ctx, w.cfg.MaxClaims, quarantineReport,
	); err != nil {
		return fmt.Errorf("quarantining submissions: %w", err)
	}

	return nil
}

// shouldDefer grants one sweep of grace to a stale runner whose
// recorded pid is still alive on this host. Runners on other hosts
// cannot be checked and get no grace.
func (w *watchdog) shouldDefer(r *store.Runner) bool {
	if !w.cfg.CheckLocalPids || r.Hostname != w.hostname || r.PID <= 0 {
		return false
	}

	if w.deferred[r.Name] {
		return false
	}

	exists, err := process.PidExists(r.PID)
	if err != nil || !exists {
		return false
	}

	w.deferred[r.Name] = true

	return true
}

func (w *watchdog) reap(ctx context.Context, r *store.Runner) error {
	released, err := w.store.ReleaseRunnerClaims(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("releasing claims of %q: %w", r.Name, err)
	}

	if err := w.store.DeleteRunner(ctx, r.Name); err != nil {
		return fmt.Errorf("deleting runner %q: %w", r.Name, err)
	}

	delete(w.deferred, r.Name)

	w.log.WithFields(logrus.Fields{
		"runner":      r.Name,
		"last_pinged": r.LastPinged,
		"released":    released,
	}).Warn("Reaped dead runner")

	return nil
}
