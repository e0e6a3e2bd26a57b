package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Ensure interface compliance.
var _ Sandbox = (*local)(nil)

// local runs commands directly on the host. Isolation is limited to the
// working directory, the timeout, and the output cap.
type local struct {
	log logrus.FieldLogger
}

// NewLocal creates a sandbox that executes commands on the host.
func NewLocal(log logrus.FieldLogger) Sandbox {
	return &local{
		log: log.WithField("component", "sandbox.local"),
	}
}

func (l *local) Start(_ context.Context) error {
	return nil
}

func (l *local) Stop() error {
	return nil
}

func (l *local) Run(ctx context.Context, req *Request) (*Result, error) {
	runCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stdout := newLimitWriter(req.MaxOutput)
	stderr := newLimitWriter(req.MaxOutput)

	cmd := exec.CommandContext(runCtx, req.Bin, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// The command runs in its own process group so the timeout reaches
	// forked grandchildren too. Killing only the direct child would
	// leave a backgrounded process holding the output pipes, and Run
	// would block until it exits.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Bound the pipe drain in case a grandchild escapes the group kill.
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  elapsed,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1

		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()

			return res, nil
		}

		// The command never ran; report it shell-style so the verdict
		// lands on the submission, not the grader.
		res.ExitCode = 127
		res.Stderr = err.Error()

		return res, nil
	}

	return res, nil
}
