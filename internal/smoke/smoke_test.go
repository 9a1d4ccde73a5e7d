package smoke

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/audit"
)

const smokeConfig = `vessel_id: smoke
tools:
  shell:
    command: ["sh", "-c"]
approval:
  notification_enabled: false
`

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildJanusBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build the binary; skipped in -short mode")
	}
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "janus")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/janus")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func newSmokeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(smokeConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func janus(t *testing.T, bin, home, stdin string, args ...string) string {
	t.Helper()
	cmd := exec.Command(bin, append([]string{"--home", home}, args...)...)
	cmd.Stdin = strings.NewReader(stdin)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("janus %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// daemon is a running `janus daemon` with its stderr captured.
type daemon struct {
	cmd     *exec.Cmd
	mu      sync.Mutex
	stderr  bytes.Buffer
	started chan struct{}
	exited  chan error

	stopOnce sync.Once
	stopErr  error
}

func startDaemon(t *testing.T, bin, home string) *daemon {
	t.Helper()
	d := &daemon{
		cmd:     exec.Command(bin, "--home", home, "daemon"),
		started: make(chan struct{}),
		exited:  make(chan error, 1),
	}
	pipe, err := d.cmd.StderrPipe()
	if err != nil {
		t.Fatalf("stderr pipe: %v", err)
	}
	if err := d.cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	go func() {
		sc := bufio.NewScanner(pipe)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var once sync.Once
		for sc.Scan() {
			line := sc.Text()
			d.mu.Lock()
			d.stderr.WriteString(line + "\n")
			d.mu.Unlock()
			if strings.Contains(line, "janus daemon started") {
				once.Do(func() { close(d.started) })
			}
		}
		d.exited <- d.cmd.Wait()
	}()
	t.Cleanup(func() { d.stop(t) })

	select {
	case <-d.started:
	case err := <-d.exited:
		d.exited <- err
		t.Fatalf("daemon exited before startup: %v\n%s", err, d.output())
	case <-time.After(15 * time.Second):
		t.Fatalf("daemon did not start\n%s", d.output())
	}
	return d
}

func (d *daemon) output() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stderr.String()
}

// stop interrupts the daemon and returns its exit error. Safe to call twice.
func (d *daemon) stop(t *testing.T) error {
	t.Helper()
	d.stopOnce.Do(func() {
		_ = d.cmd.Process.Signal(os.Interrupt)
		select {
		case d.stopErr = <-d.exited:
		case <-time.After(10 * time.Second):
			_ = d.cmd.Process.Kill()
			d.stopErr = <-d.exited
		}
	})
	return d.stopErr
}

func readAuditEvents(t *testing.T, home string) []string {
	t.Helper()
	evs, err := audit.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	events := make([]string, 0, len(evs))
	for _, ev := range evs {
		events = append(events, ev.Event)
	}
	return events
}

func indexOf(events []string, name string) int {
	for i, e := range events {
		if e == name {
			return i
		}
	}
	return -1
}

func waitForQueued(t *testing.T, home, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entries, err := approval.ReadQueue(filepath.Join(home, "approval_queue.jsonl"))
		if err != nil {
			t.Fatalf("read queue: %v", err)
		}
		for _, e := range entries {
			if e.ProposalID == id {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("proposal %s never reached the approval queue", id)
}
