package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const DefaultDockerImage = "alpine:3.20"

// DockerExecutor runs each invocation in an ephemeral container with the
// scratch workspace bind-mounted at /workspace.
type DockerExecutor struct {
	client     *client.Client
	image      string
	policy     Policy
	logger     *slog.Logger
	forceBlock atomic.Bool
}

func NewDockerExecutor(image string, policy Policy, logger *slog.Logger) (*DockerExecutor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if image == "" {
		image = DefaultDockerImage
	}
	if err := os.MkdirAll(policy.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerExecutor{client: cli, image: image, policy: policy, logger: logger}, nil
}

func (d *DockerExecutor) SetForceBlockNetwork(block bool) { d.forceBlock.Store(block) }

func (d *DockerExecutor) ForceBlockNetwork() bool { return d.forceBlock.Load() }

// Ping checks that the daemon is reachable.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerExecutor) containerConfig(workspace string, argv []string, tool ToolConfig) (*container.Config, *container.HostConfig) {
	netAllowed := !d.forceBlock.Load() && d.policy.AllowNetwork && tool.AllowNetwork
	workdir := "/workspace"
	if tool.WorkingDir != "" {
		workdir = tool.WorkingDir
	}
	cfg := &container.Config{
		Image:           d.image,
		Cmd:             []string{"sh", "-c", shellJoin(argv)},
		WorkingDir:      workdir,
		Env:             buildEnv(nil, tool.Env),
		NetworkDisabled: !netAllowed,
		Tty:             false,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:   int64(d.policy.MemoryLimitMB) * 1024 * 1024,
			NanoCPUs: int64(d.policy.CPUQuota) * 10_000_000,
		},
		Binds:          []string{fmt.Sprintf("%s:/workspace", workspace)},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}
	if !netAllowed {
		host.NetworkMode = container.NetworkMode("none")
	}
	return cfg, host
}

func (d *DockerExecutor) Execute(ctx context.Context, argv []string, tool ToolConfig) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	workspace, err := os.MkdirTemp(d.policy.WorkspaceRoot, "janus-"+sanitizeName(tool.Name)+"-")
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	defer removeIfEmpty(workspace)

	cfg, host := d.containerConfig(workspace, argv, tool)
	resp, err := d.client.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		if err := d.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("remove container failed", "container_id", containerID, "error", err)
		}
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	rc := -1
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		rc = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return nil, fmt.Errorf("sandbox execution interrupted: %w", ctx.Err())
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		d.logger.Warn("demux container output failed", "container_id", containerID, "error", err)
	}

	return &Result{
		OK:     rc == 0,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Metadata: map[string]any{
			"returncode":   rc,
			"workspace":    workspace,
			"command":      slices.Clone(argv),
			"sandboxed":    true,
			"container_id": containerID,
		},
	}, nil
}

func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
