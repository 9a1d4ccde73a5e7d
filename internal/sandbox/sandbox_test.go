package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testPolicy(t *testing.T) Policy {
	t.Helper()
	p := DefaultPolicy(t.TempDir())
	p.BwrapPath = filepath.Join(t.TempDir(), "missing-bwrap")
	p.Shell = "/bin/sh"
	return p
}

func TestBwrapArgsOrder(t *testing.T) {
	p := testPolicy(t)
	p.ReadOnlyPaths = []string{"/usr"}
	p.WritablePaths = []string{"/srv/out"}
	e, err := NewExecutor(p, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	got := e.bwrapArgs("/ws/janus-shell-1", []string{"echo", "hello world"}, ToolConfig{Name: "shell"})
	want := []string{p.BwrapPath,
		"--unshare-pid", "--unshare-ipc", "--unshare-uts",
		"--ro-bind", "/", "/",
		"--ro-bind", "/usr", "/usr",
		"--bind", "/ws/janus-shell-1", "/ws/janus-shell-1",
		"--bind", "/srv/out", "/srv/out",
		"--dev", "/dev", "--proc", "/proc",
		"--unshare-net",
		"--chdir", "/ws/janus-shell-1",
		"--", "/bin/sh", "-lc", "echo 'hello world'",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bwrap args mismatch (-want +got):\n%s", diff)
	}
}

func TestBwrapNetworkRequiresPolicyAndTool(t *testing.T) {
	cases := []struct {
		name        string
		policyAllow bool
		toolAllow   bool
		force       bool
		unshare     bool
	}{
		{"neither", false, false, false, true},
		{"policy only", true, false, false, true},
		{"tool only", false, true, false, true},
		{"both", true, true, false, false},
		{"both but forced off", true, true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPolicy(t)
			p.AllowNetwork = tc.policyAllow
			e, err := NewExecutor(p, nil)
			if err != nil {
				t.Fatalf("new executor: %v", err)
			}
			e.SetForceBlockNetwork(tc.force)
			args := e.bwrapArgs("/ws", []string{"true"}, ToolConfig{Name: "t", AllowNetwork: tc.toolAllow, WorkingDir: "/opt/tool"})
			joined := strings.Join(args, " ")
			if got := strings.Contains(joined, "--unshare-net"); got != tc.unshare {
				t.Fatalf("unshare-net = %v, want %v (%s)", got, tc.unshare, joined)
			}
			if !strings.Contains(joined, "--chdir /opt/tool") {
				t.Fatalf("expected tool working dir in args: %s", joined)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"":           "''",
		"plain":      "plain",
		"a/b.c-d_e":  "a/b.c-d_e",
		"two words":  "'two words'",
		"it's":       `'it'"'"'s'`,
		"$(rm)":      "'$(rm)'",
		"--flag=a,b": "--flag=a,b",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExecuteFallbackFiltersEnvironment(t *testing.T) {
	t.Setenv("JANUS_TEST_SECRET", "should-not-leak")
	e, err := NewExecutor(testPolicy(t), nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	res, err := e.Execute(context.Background(),
		[]string{"/bin/sh", "-c", `echo "foo=$FOO secret=$JANUS_TEST_SECRET"`},
		ToolConfig{Name: "shell", Env: map[string]string{"FOO": "bar"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.OK || res.ReturnCode() != 0 {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := strings.TrimSpace(res.Stdout); got != "foo=bar secret=" {
		t.Fatalf("unexpected stdout %q", got)
	}
	if sandboxed, _ := res.Metadata["sandboxed"].(bool); sandboxed {
		t.Fatalf("fallback must report sandboxed=false")
	}
	if _, err := os.Stat(res.Workspace()); !os.IsNotExist(err) {
		t.Fatalf("empty workspace should be removed, stat err=%v", err)
	}
	if !strings.HasPrefix(filepath.Base(res.Workspace()), "janus-shell-") {
		t.Fatalf("unexpected workspace name %s", res.Workspace())
	}
}

func TestExecuteNonZeroExitAndRetainedWorkspace(t *testing.T) {
	e, err := NewExecutor(testPolicy(t), nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	res, err := e.Execute(context.Background(),
		[]string{"/bin/sh", "-c", "echo artifact > out.txt; echo boom >&2; exit 3"},
		ToolConfig{Name: "shell"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.OK || res.ReturnCode() != 3 {
		t.Fatalf("expected exit 3, got ok=%v rc=%d", res.OK, res.ReturnCode())
	}
	if strings.TrimSpace(res.Stderr) != "boom" {
		t.Fatalf("unexpected stderr %q", res.Stderr)
	}
	if _, err := os.Stat(filepath.Join(res.Workspace(), "out.txt")); err != nil {
		t.Fatalf("non-empty workspace should be retained: %v", err)
	}
}

func TestExecuteThroughBwrapBinary(t *testing.T) {
	// A stand-in bwrap that echoes its argv lets the sandboxed branch run
	// without namespaces.
	dir := t.TempDir()
	fake := filepath.Join(dir, "bwrap")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\nprintf '%s\\n' \"$@\"\n"), 0o755); err != nil {
		t.Fatalf("write fake bwrap: %v", err)
	}
	p := testPolicy(t)
	p.BwrapPath = fake
	e, err := NewExecutor(p, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if !e.BwrapAvailable() {
		t.Fatalf("expected fake bwrap to be detected")
	}
	res, err := e.Execute(context.Background(), []string{"echo", "hi"}, ToolConfig{Name: "shell"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if sandboxed, _ := res.Metadata["sandboxed"].(bool); !sandboxed {
		t.Fatalf("expected sandboxed=true")
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if lines[0] != "--unshare-pid" || lines[len(lines)-1] != "echo hi" {
		t.Fatalf("unexpected bwrap invocation: %v", lines)
	}
}

func TestExecuteLaunchFailureAndEmptyCommand(t *testing.T) {
	e, err := NewExecutor(testPolicy(t), nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	if _, err := e.Execute(context.Background(), nil, ToolConfig{Name: "x"}); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if _, err := e.Execute(context.Background(), []string{"/definitely/not/a/binary"}, ToolConfig{Name: "x"}); err == nil {
		t.Fatalf("expected launch error")
	}
}

func TestToolConfigArgv(t *testing.T) {
	tool := ToolConfig{Name: "llama-cli", Command: []string{"llama-cli", "--model", "m.gguf"}}
	got := tool.Argv([]string{"-p", "hi"})
	want := []string{"llama-cli", "--model", "m.gguf", "-p", "hi"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("argv mismatch (-want +got):\n%s", diff)
	}
	if len(tool.Command) != 3 {
		t.Fatalf("Argv must not mutate the template")
	}
}

func TestCheckBins(t *testing.T) {
	found := CheckBins([]string{"sh", "definitely-not-real-bin"})
	if !found["sh"] || found["definitely-not-real-bin"] {
		t.Fatalf("unexpected bin lookup: %v", found)
	}
}

func TestSweepWorkspaces(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := filepath.Join(root, "ws-old")
	fresh := filepath.Join(root, "ws-fresh")
	for _, d := range []string{old, fresh} {
		if err := os.MkdirAll(filepath.Join(d, "out"), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stale := now.Add(-8 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	res, err := SweepWorkspaces(root, 0, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != old || res.Kept != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh workspace removed: %v", err)
	}
	if _, err := SweepWorkspaces(filepath.Join(root, "missing"), time.Hour, now); err != nil {
		t.Fatalf("missing root: %v", err)
	}
}
