package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) Sandbox {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewLocal(log)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestLocalRun(t *testing.T) {
	s := newTestSandbox(t)
	dir := t.TempDir()

	tests := []struct {
		name   string
		req    Request
		verify func(t *testing.T, res *Result)
	}{
		{
			name: "captures stdout and exit code",
			req: Request{
				Dir:  dir,
				Bin:  "sh",
				Args: []string{"-c", "echo hello"},
			},
			verify: func(t *testing.T, res *Result) {
				assert.Equal(t, 0, res.ExitCode)
				assert.Equal(t, "hello\n", res.Stdout)
				assert.False(t, res.TimedOut)
			},
		},
		{
			name: "nonzero exit code",
			req: Request{
				Dir:  dir,
				Bin:  "sh",
				Args: []string{"-c", "echo oops >&2; exit 3"},
			},
			verify: func(t *testing.T, res *Result) {
				assert.Equal(t, 3, res.ExitCode)
				assert.Equal(t, "oops\n", res.Stderr)
			},
		},
		{
			name: "stdin is forwarded",
			req: Request{
				Dir:   dir,
				Bin:   "cat",
				Stdin: "1 2 3",
			},
			verify: func(t *testing.T, res *Result) {
				assert.Equal(t, 0, res.ExitCode)
				assert.Equal(t, "1 2 3", res.Stdout)
			},
		},
		{
			name: "timeout is reported",
			req: Request{
				Dir:     dir,
				Bin:     "sleep",
				Args:    []string{"5"},
				Timeout: 100 * time.Millisecond,
			},
			verify: func(t *testing.T, res *Result) {
				assert.True(t, res.TimedOut)
				assert.Equal(t, -1, res.ExitCode)
			},
		},
		{
			name: "output cap truncates",
			req: Request{
				Dir:       dir,
				Bin:       "sh",
				Args:      []string{"-c", "yes x | head -c 4096"},
				MaxOutput: 128,
			},
			verify: func(t *testing.T, res *Result) {
				assert.True(t, res.Truncated)
				assert.Len(t, res.Stdout, 128)
			},
		},
		{
			name: "missing binary reports exit 127",
			req: Request{
				Dir: dir,
				Bin: "./does-not-exist",
			},
			verify: func(t *testing.T, res *Result) {
				assert.Equal(t, 127, res.ExitCode)
				assert.NotEmpty(t, res.Stderr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Run(context.Background(), &tt.req)
			require.NoError(t, err)
			tt.verify(t, res)
		})
	}
}

// A submission that backgrounds a long-lived process must not hold the
// grader past the timeout. The grandchild inherits the output pipes, so
// without a process group kill Run would block until it exits.
func TestLocalRunKillsGrandchildren(t *testing.T) {
	s := newTestSandbox(t)

	req := Request{
		Dir:     t.TempDir(),
		Bin:     "sh",
		Args:    []string{"-c", "sleep 30 & echo started"},
		Timeout: 300 * time.Millisecond,
	}

	start := time.Now()
	res, err := s.Run(context.Background(), &req)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestLimitWriter(t *testing.T) {
	w := newLimitWriter(5)

	n, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, w.Truncated())

	n, err = w.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.True(t, w.Truncated())
	assert.Equal(t, "abcde", w.String())

	// Unlimited writer never truncates.
	u := newLimitWriter(0)
	_, err = u.Write([]byte("anything at all"))
	require.NoError(t, err)
	assert.False(t, u.Truncated())
}
