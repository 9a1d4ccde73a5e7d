package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// Executor runs commands under bubblewrap. When the bwrap binary is missing it
// falls back to running the command directly; the fallback filters the
// environment but is not an isolation boundary.
type Executor struct {
	policy     Policy
	logger     *slog.Logger
	forceBlock atomic.Bool
}

func NewExecutor(policy Policy, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.WorkspaceRoot == "" {
		return nil, fmt.Errorf("sandbox workspace root is required")
	}
	if policy.Shell == "" {
		policy.Shell = "/bin/bash"
	}
	if err := os.MkdirAll(policy.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Executor{policy: policy, logger: logger}, nil
}

// SetForceBlockNetwork overrides every network allowance while set.
func (e *Executor) SetForceBlockNetwork(block bool) {
	if e.forceBlock.Swap(block) != block {
		e.logger.Info("sandbox network override changed", "force_block_network", block)
	}
}

func (e *Executor) ForceBlockNetwork() bool { return e.forceBlock.Load() }

func (e *Executor) Policy() Policy { return e.policy }

// BwrapAvailable reports whether the configured bwrap binary exists.
func (e *Executor) BwrapAvailable() bool {
	if e.policy.BwrapPath == "" {
		return false
	}
	info, err := os.Stat(e.policy.BwrapPath)
	return err == nil && !info.IsDir()
}

func (e *Executor) Execute(ctx context.Context, argv []string, tool ToolConfig) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty command")
	}
	workspace, err := os.MkdirTemp(e.policy.WorkspaceRoot, "janus-"+sanitizeName(tool.Name)+"-")
	if err != nil {
		return nil, fmt.Errorf("allocate workspace: %w", err)
	}
	defer func() {
		if !removeIfEmpty(workspace) {
			e.logger.Debug("sandbox workspace retained", "workspace", workspace)
		}
	}()

	env := buildEnv(e.policy.PreservedEnv, tool.Env)
	sandboxed := e.BwrapAvailable()

	var cmd *exec.Cmd
	if sandboxed {
		args := e.bwrapArgs(workspace, argv, tool)
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	} else {
		e.logger.Warn("bwrap not available, executing without isolation", "bwrap_path", e.policy.BwrapPath, "tool", tool.Name)
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = tool.WorkingDir
		if cmd.Dir == "" {
			cmd.Dir = workspace
		}
	}
	cmd.Env = env
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	rc := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("sandbox launch %s: %w", argv[0], runErr)
		}
		rc = exitErr.ExitCode()
	}

	res := &Result{
		OK:     runErr == nil,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Metadata: map[string]any{
			"returncode": rc,
			"workspace":  workspace,
			"command":    slices.Clone(argv),
			"sandboxed":  sandboxed,
		},
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("sandbox execution interrupted: %w", ctxErr)
	}
	return res, nil
}

func (e *Executor) networkAllowed(tool ToolConfig) bool {
	return !e.forceBlock.Load() && e.policy.AllowNetwork && tool.AllowNetwork
}

func (e *Executor) bwrapArgs(workspace string, argv []string, tool ToolConfig) []string {
	args := []string{e.policy.BwrapPath,
		"--unshare-pid", "--unshare-ipc", "--unshare-uts",
		"--ro-bind", "/", "/",
	}
	for _, p := range e.policy.ReadOnlyPaths {
		args = append(args, "--ro-bind", p, p)
	}
	args = append(args, "--bind", workspace, workspace)
	for _, p := range e.policy.WritablePaths {
		args = append(args, "--bind", p, p)
	}
	args = append(args, "--dev", "/dev", "--proc", "/proc")
	if !e.networkAllowed(tool) {
		args = append(args, "--unshare-net")
	}
	workdir := tool.WorkingDir
	if workdir == "" {
		workdir = workspace
	}
	args = append(args, "--chdir", workdir)
	return append(args, "--", e.policy.Shell, "-lc", shellJoin(argv))
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "tool"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == '*' {
			return '_'
		}
		return r
	}, name)
}
