package sandbox

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/johnwikman/id2202-autograder/pkg/config"
)

const defaultMountRepo = "/grading"

// Ensure interface compliance.
var _ Sandbox = (*docker)(nil)

// docker runs commands as exec sessions inside a long-lived per-runner
// container. The runner's workspace directory is bind-mounted into the
// container, so host paths under it translate to container paths.
type docker struct {
	log logrus.FieldLogger
	cfg *config.SandboxConfig

	runnerName   string
	workspaceDir string
	mountRepo    string

	client      *client.Client
	containerID string
	networkName string
}

// NewDocker creates a docker-backed sandbox for the named runner.
func NewDocker(
	log logrus.FieldLogger,
	cfg *config.SandboxConfig,
	runnerName, workspaceDir string,
) (Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	mountRepo := cfg.MountRepo
	if mountRepo == "" {
		mountRepo = defaultMountRepo
	}

	return &docker{
		log:          log.WithField("component", "sandbox.docker"),
		cfg:          cfg,
		runnerName:   runnerName,
		workspaceDir: workspaceDir,
		mountRepo:    mountRepo,
		client:       cli,
	}, nil
}

// Start pulls the image if needed and brings up the grading container.
func (d *docker) Start(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	if err := d.pullImageIfMissing(ctx); err != nil {
		return err
	}

	if d.cfg.NetworkPrefix != "" {
		d.networkName = d.cfg.NetworkPrefix + d.runnerName
		if err := d.ensureNetwork(ctx); err != nil {
			return err
		}
	}

	name := "autograder-sandbox-" + d.runnerName

	// A container left over from a previous process with our name would
	// shadow the fresh one.
	_ = d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	containerCfg := &container.Config{
		Image:      d.cfg.Image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"infinity"},
		WorkingDir: d.mountRepo,
		Labels: map[string]string{
			"autograder.runner": d.runnerName,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: d.workspaceDir,
				Target: d.mountRepo,
			},
		},
	}

	if d.networkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.networkName)
	}

	resp, err := d.client.ContainerCreate(
		ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name,
	)
	if err != nil {
		return fmt.Errorf("creating sandbox container: %w", err)
	}

	d.containerID = resp.ID

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting sandbox container: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"id":    d.containerID[:12],
		"image": d.cfg.Image,
	}).Info("Sandbox container started")

	return nil
}

// Stop removes the grading container and closes the client.
func (d *docker) Stop() error {
	ctx := context.Background()

	if d.containerID != "" {
		if err := d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			d.log.WithError(err).Warn("Failed to remove sandbox container")
		}
	}

	if err := d.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

func (d *docker) Run(ctx context.Context, req *Request) (*Result, error) {
	workDir, err := d.containerPath(req.Dir)
	if err != nil {
		return nil, err
	}

	runCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	execResp, err := d.client.ContainerExecCreate(runCtx, d.containerID, container.ExecOptions{
		Cmd:          append([]string{req.Bin}, req.Args...),
		WorkingDir:   workDir,
		AttachStdin:  req.Stdin != "",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec session: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(runCtx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec session: %w", err)
	}
	defer attach.Close()

	if req.Stdin != "" {
		go func() {
			_, _ = io.Copy(attach.Conn, strings.NewReader(req.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	stdout := newLimitWriter(req.MaxOutput)
	stderr := newLimitWriter(req.MaxOutput)

	start := time.Now()

	copyDone := make(chan error, 1)

	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- copyErr
	}()

	timedOut := false

	select {
	case copyErr := <-copyDone:
		if copyErr != nil && copyErr != io.EOF {
			return nil, fmt.Errorf("reading exec output: %w", copyErr)
		}
	case <-runCtx.Done():
		// The exec API cannot kill the process it started, so restart
		// the whole container. That reaps the runaway exec sessions and
		// the sleep entrypoint comes straight back up for the next
		// command.
		timedOut = true

		d.restartContainer()
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		TimedOut:  timedOut,
		Duration:  time.Since(start),
	}

	if timedOut {
		res.ExitCode = -1

		return res, nil
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec session: %w", err)
	}

	res.ExitCode = inspect.ExitCode

	return res, nil
}

// restartContainer bounces the grading container after a timed-out
// exec. The deadline context is already done, so a fresh one is used.
func (d *docker) restartContainer() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := 0
	if err := d.client.ContainerRestart(ctx, d.containerID, container.StopOptions{
		Timeout: &timeout,
	}); err != nil {
		d.log.WithError(err).Warn("Failed to restart sandbox container after timeout")

		return
	}

	d.log.WithField("id", d.containerID[:12]).
		Info("Sandbox container restarted after command timeout")
}

// containerPath maps a host path under the workspace to its location
// inside the container.
func (d *docker) containerPath(hostPath string) (string, error) {
	rel, err := filepath.Rel(d.workspaceDir, hostPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the workspace", hostPath)
	}

	return filepath.Join(d.mountRepo, rel), nil
}

func (d *docker) pullImageIfMissing(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", d.cfg.Image)),
	})
	if err != nil {
		return fmt.Errorf("listing images: %w", err)
	}

	if len(images) > 0 {
		return nil
	}

	d.log.WithField("image", d.cfg.Image).Info("Pulling image")

	reader, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", d.cfg.Image, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	return nil
}

func (d *docker) ensureNetwork(ctx context.Context) error {
	networks, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.networkName)),
	})
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, net := range networks {
		if net.Name == d.networkName {
			return nil
		}
	}

	if _, err := d.client.NetworkCreate(ctx, d.networkName, network.CreateOptions{
		Driver: "bridge",
	}); err != nil {
		return fmt.Errorf("creating network %s: %w", d.networkName, err)
	}

	return nil
}
