package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/sandbox"
	"github.com/johnwikman/id2202-autograder/pkg/store"
	"github.com/johnwikman/id2202-autograder/pkg/testspec"
)

func newTestExecutor(t *testing.T) *executor {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.RunnerConfig{
		MaxOutput:     "64KB",
		ShownFailures: 3,
		WorkspaceDir:  t.TempDir(),
	}

	e := NewExecutor(log, cfg, &config.GitHubConfig{
		Address: "gits.example.com",
	}, sandbox.NewLocal(log))

	return e.(*executor)
}

func runCase(bin string, args []string, spec testspec.RunSpec, timeout time.Duration) testspec.Case {
	spec.Bin = bin
	spec.Args = args

	return testspec.Case{
		Name:    "case",
		Kind:    testspec.KindRun,
		Timeout: timeout,
		Run:     &spec,
	}
}

func TestJudgeRun(t *testing.T) {
	base := testspec.Case{
		Name:    "t",
		Kind:    testspec.KindRun,
		Timeout: time.Second,
		Run:     &testspec.RunSpec{Stdout: "3\n"},
	}

	tests := []struct {
		name       string
		spec       testspec.RunSpec
		res        sandbox.Result
		wantPass   bool
		wantDetail string
	}{
		{
			name:     "exact match passes",
			spec:     testspec.RunSpec{Stdout: "3\n", IgnoreStderr: true},
			res:      sandbox.Result{ExitCode: 0, Stdout: "3\n", Stderr: "noise"},
			wantPass: true,
		},
		{
			name:       "exit code checked before output",
			spec:       testspec.RunSpec{Code: 0, Stdout: "3\n"},
			res:        sandbox.Result{ExitCode: 2, Stdout: "wrong too"},
			wantDetail: "exited with code 2, expected 0",
		},
		{
			name:       "stdout mismatch",
			spec:       testspec.RunSpec{Stdout: "3\n"},
			res:        sandbox.Result{ExitCode: 0, Stdout: "4\n"},
			wantDetail: "stdout mismatch",
		},
		{
			name:     "trim tolerates whitespace",
			spec:     testspec.RunSpec{Stdout: "3", TrimStdout: true},
			res:      sandbox.Result{ExitCode: 0, Stdout: "  3\n\n"},
			wantPass: true,
		},
		{
			name:     "ignored stdout",
			spec:     testspec.RunSpec{IgnoreStdout: true},
			res:      sandbox.Result{ExitCode: 0, Stdout: "whatever"},
			wantPass: true,
		},
		{
			name:       "stderr mismatch",
			spec:       testspec.RunSpec{IgnoreStdout: true, Stderr: "warn\n"},
			res:        sandbox.Result{ExitCode: 0, Stderr: ""},
			wantDetail: "stderr mismatch",
		},
		{
			name:       "truncated output fails",
			spec:       testspec.RunSpec{IgnoreStdout: true, IgnoreStderr: true},
			res:        sandbox.Result{ExitCode: 0, Truncated: true},
			wantDetail: "more output than allowed",
		},
		{
			name:       "timeout",
			spec:       testspec.RunSpec{},
			res:        sandbox.Result{TimedOut: true, ExitCode: -1},
			wantDetail: "did not finish",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			spec := tt.spec
			c.Run = &spec

			res := tt.res
			got := judgeRun(c, &res)

			assert.Equal(t, tt.wantPass, got.Passed)
			if tt.wantDetail != "" {
				assert.Contains(t, got.Detail, tt.wantDetail)
			}

			if tt.res.TimedOut {
				assert.True(t, got.TimedOut)
			}
		})
	}
}

func TestBuildStep(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	t.Run("missing source directory", func(t *testing.T) {
		out := e.build(ctx, &testspec.BuildSpec{}, filepath.Join(t.TempDir(), "src"))
		require.NotNil(t, out)
		assert.Equal(t, store.StatusBuildError, out.Status)
	})

	t.Run("no build command continues", func(t *testing.T) {
		out := e.build(ctx, &testspec.BuildSpec{}, t.TempDir())
		assert.Nil(t, out)
	})

	t.Run("build failure", func(t *testing.T) {
		out := e.build(ctx, &testspec.BuildSpec{
			Cmd:     []string{"sh", "-c", "echo broken >&2; exit 2"},
			Timeout: 5 * time.Second,
		}, t.TempDir())
		require.NotNil(t, out)
		assert.Equal(t, store.StatusBuildError, out.Status)
		assert.Contains(t, out.Report, "broken")
	})

	t.Run("build timeout", func(t *testing.T) {
		out := e.build(ctx, &testspec.BuildSpec{
			Cmd:     []string{"sleep", "5"},
			Timeout: 100 * time.Millisecond,
		}, t.TempDir())
		require.NotNil(t, out)
		assert.Equal(t, store.StatusBuildTimedOut, out.Status)
	})

	t.Run("binary file prohibition", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.c"), []byte("int main(){}\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.out"), []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "report.pdf"), []byte{0x25, 0x50, 0x44, 0x46, 0x00}, 0o644))

		out := e.build(ctx, &testspec.BuildSpec{
			ProhibitBinaryFiles: true,
			AllowedBinaryFiles:  []string{"report.pdf"},
		}, dir)
		require.NotNil(t, out)
		assert.Equal(t, store.StatusBuildError, out.Status)
		assert.Contains(t, out.Report, "a.out")
		assert.NotContains(t, out.Report, "report.pdf")
		assert.NotContains(t, out.Report, "main.c")
	})
}

func TestRunCasesAndAggregate(t *testing.T) {
	e := newTestExecutor(t)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "present.txt"), []byte("hi\n"), 0o644))

	plan := &testspec.Plan{
		Title:        "Lab 1",
		TimeoutTotal: time.Minute,
		Cases: []testspec.Case{
			runCase("sh", []string{"-c", "echo hello"}, testspec.RunSpec{
				Stdout: "hello\n",
			}, 5*time.Second),
			{
				Name:      "present",
				Kind:      testspec.KindCheckFileExists,
				CheckFile: &testspec.CheckFileSpec{Path: "present.txt"},
			},
			{
				Name:      "absent",
				Kind:      testspec.KindCheckFileExists,
				CheckFile: &testspec.CheckFileSpec{Path: "absent.txt"},
			},
		},
	}

	results := e.runCases(context.Background(), plan, dir)
	require.Len(t, results, 3)
	assert.True(t, results[0].Passed)
	assert.True(t, results[1].Passed)
	assert.False(t, results[2].Passed)

	sub := &store.Submission{CommitSHA: "aaa111", Tags: "#lab1"}
	out := aggregate(sub, plan, results, 3)

	assert.Equal(t, store.StatusTestsFailed, out.Status)
	assert.Equal(t, "2/3 test cases passed", out.Summary)
	assert.Contains(t, out.Report, "absent")
	assert.Contains(t, out.Report, "#lab1")
}

func TestDeadlineSkipsRemainingCases(t *testing.T) {
	e := newTestExecutor(t)
	dir := t.TempDir()

	plan := &testspec.Plan{
		Title: "Lab 1",
		Cases: []testspec.Case{
			runCase("sleep", []string{"5"}, testspec.RunSpec{IgnoreStdout: true, IgnoreStderr: true}, 10*time.Second),
			runCase("sh", []string{"-c", "true"}, testspec.RunSpec{IgnoreStdout: true, IgnoreStderr: true}, time.Second),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	results := e.runCases(ctx, plan, dir)
	require.Len(t, results, 2)
	assert.True(t, results[1].Skipped)

	out := aggregate(&store.Submission{}, plan, results, 3)
	assert.Equal(t, store.StatusTestsTimedOut, out.Status)
	assert.Contains(t, out.Report, "out of time")
}

func TestAggregateAllPass(t *testing.T) {
	plan := &testspec.Plan{Title: "Lab 1"}
	results := []CaseResult{
		{Case: testspec.Case{Name: "a"}, Passed: true},
		{Case: testspec.Case{Name: "b"}, Passed: true},
	}

	out := aggregate(&store.Submission{CommitSHA: "x"}, plan, results, 3)
	assert.Equal(t, store.StatusSuccess, out.Status)
	assert.Contains(t, out.Report, "Well done")
}

func TestAggregateEmptyPlan(t *testing.T) {
	plan := &testspec.Plan{Title: "Lab 1"}

	// Every group pruned by the tags. A misspelled tag must not grade
	// as a pass.
	out := aggregate(&store.Submission{CommitSHA: "x", Tags: "#lab9"}, plan, nil, 3)
	assert.Equal(t, store.StatusSubmissionError, out.Status)
	assert.Equal(t, "no test cases matched the submission tags", out.Summary)
	assert.Contains(t, out.Report, "No test cases matched")
	assert.NotContains(t, out.Report, "Well done")
}

func TestAggregateShownFailuresCap(t *testing.T) {
	plan := &testspec.Plan{Title: "Lab 1"}

	results := make([]CaseResult, 0, 6)
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		results = append(results, CaseResult{
			Case:   testspec.Case{Name: name},
			Detail: "exited with code 1, expected 0",
		})
	}

	out := aggregate(&store.Submission{CommitSHA: "x"}, plan, results, 2)
	assert.Equal(t, store.StatusTestsFailed, out.Status)
	assert.Contains(t, out.Report, "`a`")
	assert.Contains(t, out.Report, "`b`")
	assert.NotContains(t, out.Report, "`c`")
	assert.Contains(t, out.Report, "...and 4 more.")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	assert.Equal(t, "...cdef", tail("abcdef", 4))
}
