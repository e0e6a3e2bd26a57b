// Package sandbox executes untrusted grading commands with a timeout
// and a cap on captured output. The local backend runs commands directly
// on the host; the docker backend runs them inside a long-lived
// per-runner container.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
)

// Request describes one command to execute.
type Request struct {
	// Dir is the host working directory for the command. The docker
	// backend translates it to the in-container mount path.
	Dir string

	Bin  string
	Args []string

	Stdin string

	Timeout time.Duration

	// MaxOutput caps captured bytes per stream. Zero means no cap.
	MaxOutput int64
}

// Result is the observed outcome of a command. A command that could not
// even be started is reported as exit code 127 with the failure on
// stderr, not as an error; errors mean the sandbox itself broke.
type Result struct {
	ExitCode int

	Stdout string
	Stderr string

	TimedOut  bool
	Truncated bool

	Duration time.Duration
}

// Sandbox executes grading commands in isolation.
type Sandbox interface {
	Start(ctx context.Context) error
	Stop() error

	Run(ctx context.Context, req *Request) (*Result, error)
}

// New creates the sandbox selected by the configuration. The runner name
// keys per-runner container resources so concurrent runners on one host
// do not collide.
func New(
	log logrus.FieldLogger,
	cfg *config.SandboxConfig,
	runnerName, workspaceDir string,
) (Sandbox, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(log), nil
	case "docker":
		return NewDocker(log, cfg, runnerName, workspaceDir)
	default:
		return nil, fmt.Errorf("unsupported sandbox backend: %s", cfg.Backend)
	}
}
