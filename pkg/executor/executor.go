// Package executor grades one claimed submission: checkout, build, run
// the resolved test plan, and aggregate a verdict.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/fsutil"
	"github.com/johnwikman/id2202-autograder/pkg/sandbox"
	"github.com/johnwikman/id2202-autograder/pkg/store"
	"github.com/johnwikman/id2202-autograder/pkg/testspec"
)

// Outcome is the final verdict of a grading session, plus the report
// posted back to the submitter.
type Outcome struct {
	Status store.Status

	// Summary is a one-line description for the commit status.
	Summary string

	// Report is the full grading report for the commit comment and the
	// artifact archive.
	Report string
}

// CaseResult is the observed outcome of one test case.
type CaseResult struct {
	Case testspec.Case

	Passed   bool
	TimedOut bool

	// Skipped means the session deadline expired before this case ran.
	Skipped bool

	// Detail describes the first observed mismatch.
	Detail string
}

// Executor grades submissions.
type Executor interface {
	Grade(ctx context.Context, sub *store.Submission) *Outcome
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

type executor struct {
	log    logrus.FieldLogger
	cfg    *config.RunnerConfig
	github *config.GitHubConfig

	// sb runs submission code; git runs trusted checkout commands on the
	// host regardless of the configured backend.
	sb  sandbox.Sandbox
	git sandbox.Sandbox

	// owner is applied to workspace directories for container sandboxes
	// writing as another user. Nil leaves ownership alone.
	owner *fsutil.Owner
}

// NewExecutor creates an Executor that runs test commands in the given
// sandbox.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *config.RunnerConfig,
	github *config.GitHubConfig,
	sb sandbox.Sandbox,
) Executor {
	owner, err := fsutil.ParseOwner(cfg.WorkspaceOwner)
	if err != nil {
		// Validate already rejected this; a stray value is ignored.
		log.WithError(err).Warn("Ignoring invalid workspace owner")
	}

	return &executor{
		log:    log.WithField("component", "executor"),
		cfg:    cfg,
		github: github,
		sb:     sb,
		git:    sandbox.NewLocal(log),
		owner:  owner,
	}
}

// Grade drives a submission to a terminal verdict. It never returns an
// error: anything that prevents grading is itself a verdict, so every
// path ends in an Outcome.
func (e *executor) Grade(ctx context.Context, sub *store.Submission) *Outcome {
	log := e.log.WithFields(logrus.Fields{
		"id":   sub.ID,
		"repo": sub.GitHubRepo,
		"sha":  sub.CommitSHA,
	})

	plan, err := testspec.Resolve(e.cfg.TestRoot, sub.TagList())
	if err != nil {
		// A broken test tree is an operator problem, not the student's.
		log.WithError(err).Error("Test plan resolution failed")

		return faultOutcome()
	}

	workspace := filepath.Join(e.cfg.WorkspaceDir, fmt.Sprintf("submission-%d", sub.ID))

	if err := fsutil.MkdirAll(workspace, 0o755, e.owner); err != nil {
		log.WithError(err).Error("Creating workspace failed")

		return faultOutcome()
	}

	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			log.WithError(err).Warn("Could not clean up workspace")
		}
	}()

	sessionCtx, cancel := context.WithTimeout(ctx, plan.TimeoutTotal)
	defer cancel()

	repoDir := filepath.Join(workspace, "repo")

	if err := e.checkout(sessionCtx, repoDir, sub); err != nil {
		log.WithError(err).Warn("Checkout failed")

		return &Outcome{
			Status:  store.StatusSubmissionError,
			Summary: "could not fetch the submitted commit",
			Report: fmt.Sprintf(
				"Could not fetch commit `%s` from `%s`. "+
					"Make sure the commit was pushed and the repository is accessible.",
				sub.CommitSHA, sub.GitHubRepo,
			),
		}
	}

	buildDir := repoDir
	if plan.Build.SrcDir != "" {
		buildDir = filepath.Join(repoDir, plan.Build.SrcDir)
	}

	if outcome := e.build(sessionCtx, &plan.Build, buildDir); outcome != nil {
		log.WithField("status", outcome.Status.String()).Info("Build step failed")

		return outcome
	}

	results := e.runCases(sessionCtx, plan, buildDir)
	outcome := aggregate(sub, plan, results, e.cfg.ShownFailures)

	log.WithFields(logrus.Fields{
		"status": outcome.Status.String(),
		"cases":  len(results),
	}).Info("Grading finished")

	return outcome
}

// build runs the configured build step. Returns nil when grading should
// continue to the test cases.
func (e *executor) build(
	ctx context.Context, build *testspec.BuildSpec, buildDir string,
) *Outcome {
	if info, err := os.Stat(buildDir); err != nil || !info.IsDir() {
		return &Outcome{
			Status:  store.StatusBuildError,
			Summary: "missing source directory",
			Report: fmt.Sprintf(
				"The repository does not contain the expected source directory `%s`.",
				filepath.Base(buildDir),
			),
		}
	}

	if build.ProhibitBinaryFiles {
		if violations, err := scanBinaryFiles(buildDir, build.AllowedBinaryFiles); err != nil {
			e.log.WithError(err).Error("Binary file scan failed")

			return faultOutcome()
		} else if len(violations) > 0 {
			report := "The solution directory must only contain text files. Offending files:\n"
			for _, v := range violations {
				report += fmt.Sprintf("- `%s`\n", v)
			}

			report += "\nPlease remove these files and check your .gitignore configuration."

			return &Outcome{
				Status:  store.StatusBuildError,
				Summary: "binary files in solution directory",
				Report:  report,
			}
		}
	}

	if !build.HasBuild() {
		return nil
	}

	res, err := e.sb.Run(ctx, &sandbox.Request{
		Dir:       buildDir,
		Bin:       build.Cmd[0],
		Args:      build.Cmd[1:],
		Timeout:   build.Timeout,
		MaxOutput: e.cfg.MaxOutputBytes(),
	})
	if err != nil {
		e.log.WithError(err).Error("Sandbox failure during build")

		return faultOutcome()
	}

	if res.TimedOut {
		return &Outcome{
			Status:  store.StatusBuildTimedOut,
			Summary: "build timed out",
			Report: fmt.Sprintf(
				"Building the submission did not finish within %s.", build.Timeout,
			),
		}
	}

	if res.ExitCode != 0 {
		return &Outcome{
			Status:  store.StatusBuildError,
			Summary: "build failed",
			Report: fmt.Sprintf(
				"Build command exited with code %d.\n\n```\n%s\n```",
				res.ExitCode, tail(res.Stderr+res.Stdout, 4096),
			),
		}
	}

	return nil
}

// runCases executes the plan in order. When the session deadline expires
// the remaining cases are marked skipped instead of run against a dead
// context.
func (e *executor) runCases(
	ctx context.Context, plan *testspec.Plan, buildDir string,
) []CaseResult {
	results := make([]CaseResult, 0, len(plan.Cases))

	deadlineHit := false

	for _, c := range plan.Cases {
		if deadlineHit || ctx.Err() != nil {
			deadlineHit = true

			results = append(results, CaseResult{Case: c, Skipped: true})

			continue
		}

		results = append(results, e.runCase(ctx, c, buildDir))
	}

	return results
}

func (e *executor) runCase(
	ctx context.Context, c testspec.Case, buildDir string,
) CaseResult {
	switch c.Kind {
	case testspec.KindCheckFileExists:
		return checkFileCase(c, buildDir)
	case testspec.KindRun:
		res, err := e.sb.Run(ctx, &sandbox.Request{
			Dir:       buildDir,
			Bin:       c.Run.Bin,
			Args:      c.Run.Args,
			Stdin:     stdinFor(c.Run),
			Timeout:   c.Timeout,
			MaxOutput: e.cfg.MaxOutputBytes(),
		})
		if err != nil {
			// Session deadline racing a case timeout lands here too.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return CaseResult{Case: c, Skipped: true}
			}

			e.log.WithError(err).WithField("case", c.FullName()).
				Error("Sandbox failure during test case")

			return CaseResult{Case: c, Detail: "internal grading error"}
		}

		return judgeRun(c, res)
	default:
		return CaseResult{Case: c, Detail: "internal grading error"}
	}
}

func stdinFor(spec *testspec.RunSpec) string {
	if spec.IgnoreStdin {
		return ""
	}

	return spec.Stdin
}

func checkFileCase(c testspec.Case, buildDir string) CaseResult {
	path := filepath.Join(buildDir, c.CheckFile.Path)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return CaseResult{
			Case:   c,
			Detail: fmt.Sprintf("expected file %q is missing", c.CheckFile.Path),
		}
	}

	return CaseResult{Case: c, Passed: true}
}

func faultOutcome() *Outcome {
	return &Outcome{
		Status:  store.StatusAutograderFault,
		Summary: "internal grading error",
		Report: "The autograder encountered an internal error while grading " +
			"this submission. Please push again to resubmit, and contact the " +
			"course staff if the problem persists.",
	}
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return "..." + s[len(s)-n:]
}

// checkout fetches exactly the submitted commit, without the repository
// history.
func (e *executor) checkout(
	ctx context.Context, repoDir string, sub *store.Submission,
) error {
	if err := fsutil.MkdirAll(repoDir, 0o755, e.owner); err != nil {
		return fmt.Errorf("creating repo dir: %w", err)
	}

	cloneURL := fmt.Sprintf("git@%s:%s.git", e.github.Address, sub.GitHubRepo)

	steps := [][]string{
		{"init"},
		{"remote", "add", "origin", cloneURL},
		{"fetch", "--depth", "1", "origin", sub.CommitSHA},
		{"checkout", "FETCH_HEAD"},
	}

	for _, step := range steps {
		args := append([]string{"-C", repoDir}, step...)

		res, err := e.git.Run(ctx, &sandbox.Request{
			Bin:     "git",
			Args:    args,
			Timeout: 2 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("running git %s: %w", step[0], err)
		}

		if res.TimedOut || res.ExitCode != 0 {
			return fmt.Errorf("git %s exited with code %d: %s",
				step[0], res.ExitCode, tail(res.Stderr, 512))
		}
	}

	return nil
}
