package runner

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwikman/id2202-autograder/pkg/config"
	"github.com/johnwikman/id2202-autograder/pkg/executor"
	"github.com/johnwikman/id2202-autograder/pkg/report"
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

type fakeExecutor struct {
	mu      sync.Mutex
	graded  []uint
	outcome *executor.Outcome
}

func (f *fakeExecutor) Grade(
	_ context.Context, sub *store.Submission,
) *executor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.graded = append(f.graded, sub.ID)

	return f.outcome
}

func (f *fakeExecutor) gradedIDs() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uint(nil), f.graded...)
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses []string
	comments []string
}

func (f *fakeReporter) CreateCommitComment(
	_ context.Context, _, _, body string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.comments = append(f.comments, body)

	return nil
}

func (f *fakeReporter) CreateCommitStatus(
	_ context.Context, _, _ string, state report.CommitState, desc string,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses = append(f.statuses, string(state)+": "+desc)

	return nil
}

func (f *fakeReporter) Enabled() bool { return true }

func (f *fakeReporter) allStatuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.statuses...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	return st
}

func newTestRunner(
	t *testing.T, st store.Store, exec *fakeExecutor,
) (*runner, *fakeReporter) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.Config{
		Runner: config.RunnerConfig{
			PollInterval:      "20ms",
			HeartbeatInterval: "20ms",
		},
		Watchdog: config.WatchdogConfig{
			MaxClaims: 3,
		},
	}

	rep := &fakeReporter{}

	r := NewRunner(log, cfg, "runner-test", st, rep, exec, nil).(*runner)

	return r, rep
}

func enqueue(t *testing.T, st store.Store, repo string) *store.Submission {
	t.Helper()

	sub := &store.Submission{
		GitHubRepo: repo,
		CommitSHA:  "0123456789abcdef0123456789abcdef01234567",
		Tags:       "hello",
	}
	require.NoError(t, st.EnqueueSubmission(context.Background(), sub))

	return sub
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func TestRunnerGradesQueuedSubmissions(t *testing.T) {
	st := newTestStore(t)

	exec := &fakeExecutor{outcome: &executor.Outcome{
		Status:  store.StatusSuccess,
		Summary: "3/3 test cases passed",
		Report:  "## Grading\n\nWell done!",
	}}

	r, rep := newTestRunner(t, st, exec)

	enqueue(t, st, "id2202/repo-a")
	enqueue(t, st, "id2202/repo-b")

	require.NoError(t, r.Start(context.Background()))

	waitFor(t, func() bool { return len(exec.gradedIDs()) == 2 })
	require.NoError(t, r.Stop())

	assert.Equal(t, []uint{1, 2}, exec.gradedIDs())

	for _, id := range []uint{1, 2} {
		sub, err := st.GetSubmission(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusSuccess, sub.Status)
		assert.True(t, sub.ExecFinished)
		assert.Contains(t, sub.Result, "Well done!")
	}

	statuses := rep.allStatuses()
	assert.Contains(t, statuses, "pending: Grading In Progress")
	assert.Contains(t, statuses, "success: 3/3 test cases passed")
}

func TestRunnerRegistersAndHeartbeats(t *testing.T) {
	st := newTestStore(t)
	exec := &fakeExecutor{outcome: &executor.Outcome{
		Status: store.StatusSuccess,
	}}

	r, _ := newTestRunner(t, st, exec)
	require.NoError(t, r.Start(context.Background()))

	runners, err := st.ListRunners(context.Background())
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.Equal(t, "runner-test", runners[0].Name)

	first := runners[0].LastPinged

	waitFor(t, func() bool {
		runners, err := st.ListRunners(context.Background())
		require.NoError(t, err)

		return runners[0].LastPinged.After(first)
	})

	require.NoError(t, r.Stop())
}

func TestRunnerRecoversOrphanedSubmission(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	enqueue(t, st, "id2202/repo-a")

	claimed, err := st.ClaimNextSubmission(ctx, "runner-test", 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	exec := &fakeExecutor{outcome: &executor.Outcome{
		Status: store.StatusSuccess,
	}}

	r, rep := newTestRunner(t, st, exec)
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Stop())

	sub, err := st.GetSubmission(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAutograderFault, sub.Status)
	assert.True(t, sub.ExecFinished)
	assert.Contains(t, sub.Result, "resubmit")

	// The orphan was failed before grading, never regraded.
	assert.Empty(t, exec.gradedIDs())
	assert.Contains(t, rep.allStatuses(), "error: Grading was interrupted")
}

func TestRunnerPublishesFailureVerdict(t *testing.T) {
	st := newTestStore(t)

	exec := &fakeExecutor{outcome: &executor.Outcome{
		Status:  store.StatusTestsFailed,
		Summary: "1/3 test cases passed",
		Report:  "## Grading\n\n### Failed cases",
	}}

	r, rep := newTestRunner(t, st, exec)

	enqueue(t, st, "id2202/repo-a")

	require.NoError(t, r.Start(context.Background()))
	waitFor(t, func() bool { return len(exec.gradedIDs()) == 1 })
	require.NoError(t, r.Stop())

	assert.Contains(t, rep.allStatuses(), "failure: 1/3 test cases passed")
}
