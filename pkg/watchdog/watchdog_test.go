package watchdog

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
	"github.com/johnwikman/id2202-autograder/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "test.db"),
		},
	})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newTestWatchdog(t *testing.T, s store.Store, checkPids bool) *watchdog {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := &config.WatchdogConfig{
		SweepInterval:      "30s",
		StalenessThreshold: "60s",
		MaxClaims:          3,
		CheckLocalPids:     checkPids,
	}

	return NewWatchdog(log, cfg, s).(*watchdog)
}

func TestSweepReapsStaleRunner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newTestWatchdog(t, s, false)

	sub := &store.Submission{GitHubRepo: "course/alice-repo", CommitSHA: "aaa"}
	require.NoError(t, s.EnqueueSubmission(ctx, sub))

	require.NoError(t, s.RegisterRunner(ctx, "runner-0", "otherhost", 1234))

	claimed, err := s.ClaimNextSubmission(ctx, "runner-0", 3)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Heartbeat far in the past: presumed dead.
	require.NoError(t, s.Heartbeat(ctx, "runner-0", time.Now().UTC().Add(-10*time.Minute)))

	require.NoError(t, w.Sweep(ctx))

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedRunner)
	assert.Equal(t, store.StatusNotStarted, got.Status)
	assert.False(t, got.ExecFinished)

	runners, err := s.ListRunners(ctx)
	require.NoError(t, err)
	assert.Empty(t, runners)
}

func TestSweepLeavesFreshRunnersAlone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newTestWatchdog(t, s, false)

	require.NoError(t, s.RegisterRunner(ctx, "runner-0", "host", 1234))

	require.NoError(t, w.Sweep(ctx))

	runners, err := s.ListRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, runners, 1)
}

func TestSweepQuarantinesExhaustedSubmission(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newTestWatchdog(t, s, false)

	sub := &store.Submission{GitHubRepo: "course/alice-repo", CommitSHA: "aaa"}
	require.NoError(t, s.EnqueueSubmission(ctx, sub))

	// The submission takes three runners down with it.
	for i := 0; i < 3; i++ {
		name := []string{"runner-a", "runner-b", "runner-c"}[i]
		require.NoError(t, s.RegisterRunner(ctx, name, "host", 1))

		claimed, err := s.ClaimNextSubmission(ctx, name, 3)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		require.NoError(t, s.Heartbeat(ctx, name, time.Now().UTC().Add(-10*time.Minute)))
		require.NoError(t, w.Sweep(ctx))
	}

	got, err := s.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAutograderFault, got.Status)
	assert.True(t, got.ExecFinished)
	assert.Equal(t, 3, got.ClaimCount)
}

func TestLivePidDefersExactlyOneSweep(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newTestWatchdog(t, s, true)

	// Register with our own pid and hostname so the pid check passes.
	//nolint:gosec // test pid fits in int32
	require.NoError(t, s.RegisterRunner(ctx, "runner-0", w.hostname, int32(os.Getpid())))
	require.NoError(t, s.Heartbeat(ctx, "runner-0", time.Now().UTC().Add(-10*time.Minute)))

	// First sweep: pid is alive, judgment deferred.
	require.NoError(t, w.Sweep(ctx))

	runners, err := s.ListRunners(ctx)
	require.NoError(t, err)
	assert.Len(t, runners, 1)

	// Second sweep: still stale, grace is spent.
	require.NoError(t, w.Sweep(ctx))

	runners, err = s.ListRunners(ctx)
	require.NoError(t, err)
	assert.Empty(t, runners)
}

func TestRecoveredRunnerRegainsGrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newTestWatchdog(t, s, true)

	//nolint:gosec // test pid fits in int32
	pid := int32(os.Getpid())

	require.NoError(t, s.RegisterRunner(ctx, "runner-0", w.hostname, pid))
	require.NoError(t, s.Heartbeat(ctx, "runner-0", time.Now().UTC().Add(-10*time.Minute)))

	require.NoError(t, w.Sweep(ctx))
	assert.True(t, w.deferred["runner-0"])

	// A fresh heartbeat clears the grace table on the next sweep.
	require.NoError(t, s.Heartbeat(ctx, "runner-0", time.Now().UTC()))
	require.NoError(t, w.Sweep(ctx))
	assert.False(t, w.deferred["runner-0"])
}
