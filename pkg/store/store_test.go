package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnwikman/id2202-autograder/pkg/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func enqueue(t *testing.T, s Store, repo, sha string) *Submission {
	t.Helper()

	sub := &Submission{
		GitHubRepo: repo,
		CommitSHA:  sha,
	}
	require.NoError(t, s.EnqueueSubmission(context.Background(), sub))

	return sub
}

func TestClaimOrderAndIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "course/alice-repo", "aaa111")
	enqueue(t, s, "course/bob-repo", "bbb222")

	sub, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)
	require.NotNil(t, sub)

	assert.Equal(t, first.ID, sub.ID)
	assert.Equal(t, StatusRunning, sub.Status)
	assert.Equal(t, 1, sub.ClaimCount)
	require.NotNil(t, sub.AssignedRunner)
	assert.Equal(t, "runner-0", *sub.AssignedRunner)
	assert.NotNil(t, sub.ExecStartedAt)
}

func TestClaimEmptyQueue(t *testing.T) {
	s := newTestStore(t)

	sub, err := s.ClaimNextSubmission(context.Background(), "runner-0", 3)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestClaimSkipsActivelyGradedRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "course/alice-repo", "aaa111")
	enqueue(t, s, "course/alice-repo", "aaa222")
	third := enqueue(t, s, "course/bob-repo", "bbb111")

	sub1, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)
	require.NotNil(t, sub1)
	assert.Equal(t, "course/alice-repo", sub1.GitHubRepo)

	// The second alice-repo push must wait until the first finishes, so
	// runner-1 gets bob-repo instead.
	sub2, err := s.ClaimNextSubmission(ctx, "runner-1", 3)
	require.NoError(t, err)
	require.NotNil(t, sub2)
	assert.Equal(t, third.ID, sub2.ID)

	// Nothing left that is eligible.
	sub3, err := s.ClaimNextSubmission(ctx, "runner-2", 3)
	require.NoError(t, err)
	assert.Nil(t, sub3)

	// Finishing the first alice submission unblocks the second.
	require.NoError(t, s.FinishSubmission(ctx, sub1.ID, StatusSuccess, "ok"))

	sub4, err := s.ClaimNextSubmission(ctx, "runner-2", 3)
	require.NoError(t, err)
	require.NotNil(t, sub4)
	assert.Equal(t, "aaa222", sub4.CommitSHA)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "course/alice-repo", "aaa111")

	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []*Submission
		errs    []error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			sub, err := s.ClaimNextSubmission(ctx, fmt.Sprintf("runner-%d", n), 3)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)
			} else if sub != nil {
				claimed = append(claimed, sub)
			}
		}(i)
	}

	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].ClaimCount)
}

func TestReleaseAndReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := enqueue(t, s, "course/alice-repo", "aaa111")

	claimed, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.ReleaseSubmission(ctx, claimed.ID))

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedRunner)
	assert.Equal(t, StatusNotStarted, got.Status)
	assert.Equal(t, 1, got.ClaimCount)

	// Reclaim bumps the count again.
	reclaimed, err := s.ClaimNextSubmission(ctx, "runner-1", 3)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.ClaimCount)
}

func TestClaimRespectsMaxClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := enqueue(t, s, "course/alice-repo", "aaa111")

	for i := 0; i < 2; i++ {
		claimed, err := s.ClaimNextSubmission(ctx, "runner-0", 2)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, s.ReleaseSubmission(ctx, claimed.ID))
	}

	// Claim count is at the limit now.
	claimed, err := s.ClaimNextSubmission(ctx, "runner-0", 2)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	n, err := s.QuarantineExhausted(ctx, 2, "grading failed repeatedly")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutograderFault, got.Status)
	assert.True(t, got.ExecFinished)
}

func TestFinishSubmission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := enqueue(t, s, "course/alice-repo", "aaa111")

	_, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)

	require.NoError(t, s.FinishSubmission(ctx, sub.ID, StatusTestsFailed, "2/5 failed"))

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTestsFailed, got.Status)
	assert.True(t, got.ExecFinished)
	assert.Equal(t, "2/5 failed", got.Result)
	assert.NotNil(t, got.ExecFinishedAt)

	// Finishing twice is an error.
	err = s.FinishSubmission(ctx, sub.ID, StatusSuccess, "ok")
	assert.ErrorIs(t, err, ErrNotFound)

	// Non-terminal statuses are rejected outright.
	err = s.FinishSubmission(ctx, sub.ID, StatusRunning, "")
	assert.Error(t, err)
}

func TestRunnerLiveness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterRunner(ctx, "runner-0", "graderhost", 4242))
	require.NoError(t, s.RegisterRunner(ctx, "runner-1", "graderhost", 4243))

	past := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "runner-0", past))

	stale, err := s.StaleRunners(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "runner-0", stale[0].Name)

	// A fresh heartbeat clears the staleness.
	require.NoError(t, s.Heartbeat(ctx, "runner-0", time.Now().UTC()))

	stale, err = s.StaleRunners(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Heartbeats for unregistered runners fail loudly.
	err = s.Heartbeat(ctx, "runner-9", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteRunner(ctx, "runner-1"))

	runners, err := s.ListRunners(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1)
	assert.Equal(t, "runner-0", runners[0].Name)
}

func TestReleaseRunnerClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "course/alice-repo", "aaa111")
	enqueue(t, s, "course/bob-repo", "bbb111")

	_, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)

	n, err := s.ReleaseRunnerClaims(ctx, "runner-0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Both submissions are claimable again.
	count, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	sub, err := s.ClaimNextSubmission(ctx, "runner-1", 3)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "course/alice-repo", sub.GitHubRepo)
}

func TestTagList(t *testing.T) {
	sub := Submission{Tags: "#lab1 %grade"}
	assert.Equal(t, []string{"#lab1", "%grade"}, sub.TagList())

	empty := Submission{}
	assert.Nil(t, empty.TagList())
}
