// Package sandbox runs resolved tool commands with filesystem and network
// isolation when bubblewrap is available, and directly otherwise.
package sandbox

import (
	"context"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Policy is the isolation policy applied to every invocation.
type Policy struct {
	BwrapPath     string   `yaml:"bwrap_path"`
	Shell         string   `yaml:"shell"`
	WorkspaceRoot string   `yaml:"workspace_root"`
	ReadOnlyPaths []string `yaml:"read_only_paths"`
	WritablePaths []string `yaml:"writable_paths"`
	PreservedEnv  []string `yaml:"preserved_env"`
	AllowNetwork  bool     `yaml:"allow_network"`
	CPUQuota      int      `yaml:"cpu_quota_percent"`
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
}

// DefaultPolicy returns the policy rooted at the given home directory.
func DefaultPolicy(homeDir string) Policy {
	root := filepath.Join(homeDir, "workspaces")
	return Policy{
		BwrapPath:     "/usr/bin/bwrap",
		Shell:         "/bin/bash",
		WorkspaceRoot: root,
		ReadOnlyPaths: []string{"/usr", "/bin", "/lib", "/lib64", "/etc"},
		WritablePaths: []string{root},
		PreservedEnv:  []string{"PATH", "LANG", "LC_ALL"},
		CPUQuota:      150,
		MemoryLimitMB: 2048,
	}
}

// ToolConfig is a pre-registered command template. Proposals only supply the
// trailing arguments.
type ToolConfig struct {
	Name         string            `yaml:"-" json:"name"`
	Command      []string          `yaml:"command" json:"command"`
	WorkingDir   string            `yaml:"working_dir" json:"working_dir,omitempty"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	AllowNetwork bool              `yaml:"allow_network" json:"allow_network"`
}

// Argv resolves the full argument vector for the given trailing arguments.
func (t ToolConfig) Argv(args []string) []string {
	out := make([]string, 0, len(t.Command)+len(args))
	out = append(out, t.Command...)
	return append(out, args...)
}

// Result is the structured outcome of one invocation.
type Result struct {
	OK       bool           `json:"ok"`
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`
	Metadata map[string]any `json:"metadata"`
}

// ReturnCode reads the process exit code from the metadata, -1 when absent.
func (r *Result) ReturnCode() int {
	if r == nil {
		return -1
	}
	if rc, ok := r.Metadata["returncode"].(int); ok {
		return rc
	}
	return -1
}

// Workspace reads the scratch workspace path from the metadata.
func (r *Result) Workspace() string {
	if r == nil {
		return ""
	}
	ws, _ := r.Metadata["workspace"].(string)
	return ws
}

// Runner is implemented by every backend.
type Runner interface {
	Execute(ctx context.Context, argv []string, tool ToolConfig) (*Result, error)
	SetForceBlockNetwork(block bool)
	ForceBlockNetwork() bool
}

// CheckBins reports which binaries resolve on PATH.
func CheckBins(bins []string) map[string]bool {
	out := make(map[string]bool, len(bins))
	for _, b := range bins {
		_, err := exec.LookPath(b)
		out[b] = err == nil
	}
	return out
}

// buildEnv forwards only the preserved host variables, then applies overrides.
func buildEnv(preserved []string, overrides map[string]string) []string {
	vars := make(map[string]string, len(preserved)+len(overrides))
	for _, key := range preserved {
		if val, ok := os.LookupEnv(key); ok {
			vars[key] = val
		}
	}
	maps.Copy(vars, overrides)
	keys := slices.Collect(maps.Keys(vars))
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// removeIfEmpty deletes the workspace only when nothing was left in it.
func removeIfEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}
	return os.Remove(dir) == nil
}

// shellJoin quotes argv for a POSIX shell so that `sh -c` sees the same words.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./-_", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
