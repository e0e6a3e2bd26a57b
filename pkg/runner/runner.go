// Package runner implements the grading worker. A runner claims queued
// submissions from the store one at a time, grades them through the
// executor, and publishes the verdict.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/artifacts"
	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/executor"
	"github.com/johnwikman/id2202-autograder/pkg/notify"
	"github.com/johnwikman/id2202-autograder/pkg/report"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

const orphanReport = "The autograder was restarted while this submission " +
	"was being graded. Push again to resubmit."

// Runner is the grading worker lifecycle.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Runner = (*runner)(nil)

type runner struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	name     string
	store    store.Store
	reporter report.Reporter
	executor executor.Executor
	uploader artifacts.Uploader
	listener *notify.Listener
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a grading worker with a stable name. The uploader
// may be nil when artifact archival is disabled.
func NewRunner(
	log logrus.FieldLogger,
	cfg *config.Config,
	name string,
	st store.Store,
	rep report.Reporter,
	exec executor.Executor,
	up artifacts.Uploader,
) Runner {
	return &runner{
		log:      log.WithField("component", "runner").WithField("runner", name),
		cfg:      cfg,
		name:     name,
		store:    st,
		reporter: rep,
		executor: exec,
		uploader: up,
		done:     make(chan struct{}),
	}
}

// Start registers the runner, recovers orphaned work, and begins the
// heartbeat and claim loops.
func (r *runner) Start(ctx context.Context) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	pid := os.Getpid()

	//nolint:gosec // process ids fit in int32 on supported platforms
	if err := r.store.RegisterRunner(ctx, r.name, hostname, int32(pid)); err != nil {
		return fmt.Errorf("registering runner: %w", err)
	}

	if err := r.recoverOrphan(ctx); err != nil {
		return fmt.Errorf("recovering orphaned submission: %w", err)
	}

	if r.cfg.Notify.Path != "" {
		r.listener = notify.NewListener(r.log, r.cfg.Notify.Path)
		if err := r.listener.Start(ctx); err != nil {
			// The wake signal is advisory, polling still drains the queue.
			r.log.WithError(err).Warn("Notify listener unavailable")

			r.listener = nil
		}
	}

	r.wg.Add(2)

	go r.heartbeatLoop()
	go r.claimLoop()

	r.log.WithField("hostname", hostname).
		WithField("pid", pid).
		Info("Runner started")

	return nil
}

// Stop shuts down the loops and waits for an in-flight job to finish.
func (r *runner) Stop() error {
	close(r.done)
	r.wg.Wait()

	if r.listener != nil {
		if err := r.listener.Stop(); err != nil {
			r.log.WithError(err).Warn("Failed to stop notify listener")
		}
	}

	r.log.Info("Runner stopped")

	return nil
}

// recoverOrphan fails any submission left assigned to this runner name
// by a previous process. The workspace is gone, so the submission cannot
// be resumed.
func (r *runner) recoverOrphan(ctx context.Context) error {
	sub, err := r.store.AssignedSubmission(ctx, r.name)
	if err != nil {
		return err
	}

	if sub == nil {
		return nil
	}

	r.log.WithField("id", sub.ID).
		Warn("Found orphaned submission from previous process")

	if err := r.store.FinishSubmission(
		ctx, sub.ID, store.StatusAutograderFault, orphanReport,
	); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	r.publish(ctx, sub, &executor.Outcome{
		Status:  store.StatusAutograderFault,
		Summary: "Grading was interrupted",
		Report:  orphanReport,
	})

	return nil
}

// heartbeatLoop pings the store on a fixed interval, independent of job
// execution, so a long grading session does not look like a dead runner.
func (r *runner) heartbeatLoop() {
	defer r.wg.Done()

	interval := r.cfg.Runner.Heartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(
				context.Background(), interval,
			)

			if err := r.store.Heartbeat(ctx, r.name, time.Now()); err != nil {
				r.log.WithError(err).Warn("Heartbeat failed")
			}

			cancel()
		}
	}
}

// claimLoop polls for queued submissions. A notify ping wakes it early,
// and after a completed job it claims again immediately to drain the
// queue before sleeping.
func (r *runner) claimLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Runner.Poll())
	defer ticker.Stop()

	var wake <-chan struct{}
	if r.listener != nil {
		wake = r.listener.C()
	}

	for {
		for r.claimAndGrade() {
			select {
			case <-r.done:
				return
			default:
			}
		}

		select {
		case <-r.done:
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// claimAndGrade claims at most one submission and grades it. It reports
// whether a submission was processed.
func (r *runner) claimAndGrade() bool {
	ctx := context.Background()

	sub, err := r.store.ClaimNextSubmission(
		ctx, r.name, r.cfg.Watchdog.MaxClaims,
	)
	if err != nil {
		r.log.WithError(err).Error("Failed to claim submission")

		return false
	}

	if sub == nil {
		return false
	}

	log := r.log.WithField("id", sub.ID).
		WithField("repo", sub.GitHubRepo).
		WithField("sha", sub.CommitSHA)
	log.Info("Claimed submission")

	if r.reporter.Enabled() {
		if err := r.reporter.CreateCommitStatus(
			ctx, sub.GitHubRepo, sub.CommitSHA,
			report.StatePending, "Grading In Progress",
		); err != nil {
			log.WithError(err).Warn("Failed to post in-progress status")
		}
	}

	outcome := r.executor.Grade(ctx, sub)

	if err := r.store.FinishSubmission(
		ctx, sub.ID, outcome.Status, outcome.Report,
	); err != nil {
		// The watchdog may have released the claim under us. The next
		// claimant regrades, so do not publish a result for this run.
		log.WithError(err).Error("Failed to record verdict")

		return true
	}

	log.WithField("status", outcome.Status).
		WithField("summary", outcome.Summary).
		Info("Submission graded")

	r.publish(ctx, sub, outcome)

	return true
}

// publish pushes the verdict to GitHub and the artifact archive. Both
// are best effort, the store already holds the authoritative result.
func (r *runner) publish(
	ctx context.Context,
	sub *store.Submission,
	outcome *executor.Outcome,
) {
	log := r.log.WithField("id", sub.ID)

	if r.reporter.Enabled() {
		if err := r.reporter.CreateCommitStatus(
			ctx, sub.GitHubRepo, sub.CommitSHA,
			report.StateFor(outcome.Status), outcome.Summary,
		); err != nil {
			log.WithError(err).Warn("Failed to post result status")
		}

		if err := r.reporter.CreateCommitComment(
			ctx, sub.GitHubRepo, sub.CommitSHA, outcome.Report,
		); err != nil {
			log.WithError(err).Warn("Failed to post result comment")
		}
	}

	if r.uploader != nil {
		if err := r.uploader.UploadResult(ctx, sub, outcome.Report); err != nil {
			log.WithError(err).Warn("Failed to archive grading report")
		}
	}
}
