//go:build ignore

// sigkill_chaos verifies Janus's crash recovery. It builds the binary, files
// proposals through the CLI, SIGKILLs the daemon once they are queued,
// tears the tail of the proposal log the way a crash mid-append would,
// restarts the daemon and checks that:
//   - every filed proposal replays from the log and the torn record is skipped
//   - the approval queue holds each proposal exactly once
//   - the SQLite ledger opens and queries cleanly
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/proposal"
)

const proposals = 3

const configYAML = `vessel_id: chaos
tools:
  shell:
    command: ["sh", "-c"]
approval:
  notification_enabled: false
`

var proposedRe = regexp.MustCompile(`Proposed (\S+) `)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the janus binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "janus")

	fmt.Println("BUILD janus binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/janus")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp JANUS_HOME with a minimal config.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// 3. File high-risk proposals so none are auto-executed.
	var ids []string
	for i := 0; i < proposals; i++ {
		id, err := propose(binPath, home, i)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	fmt.Printf("PROPOSED %s\n", strings.Join(ids, ","))

	// 4. Start the daemon and wait until it has queued everything.
	daemon, err := startDaemon(binPath, home)
	if err != nil {
		return err
	}
	queuePath := filepath.Join(home, "approval_queue.jsonl")
	if err := waitQueued(queuePath, ids, 10*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return err
	}
	fmt.Println("QUEUED (first run)")

	// 5. SIGKILL the daemon.
	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	// 6. Tear the log tail.
	logPath := filepath.Join(home, "proposals.jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open proposal log: %w", err)
	}
	_, err = f.WriteString(`{"proposal_id":"janus-torn","status":"APPR`)
	f.Close()
	if err != nil {
		return fmt.Errorf("tear proposal log: %w", err)
	}
	fmt.Println("TORN proposal log tail")

	// 7. Restart the daemon and let it come up fully.
	fmt.Println("RESTART daemon (second run)...")
	daemon2, err := startDaemon(binPath, home)
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	_ = daemon2.Process.Signal(os.Interrupt)
	if err := waitExit(daemon2, 10*time.Second); err != nil {
		return fmt.Errorf("restarted daemon shutdown: %w", err)
	}
	fmt.Println("STOPPED (after restart)")

	// 8. Verify replay.
	lf, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("reopen proposal log: %w", err)
	}
	state, skipped, err := proposal.Replay(lf)
	lf.Close()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	fmt.Printf("REPLAYED proposals=%d skipped=%d\n", len(state), skipped)
	if skipped != 1 {
		return fmt.Errorf("expected exactly the torn record to be skipped, got %d", skipped)
	}
	for _, id := range ids {
		p, ok := state[id]
		if !ok {
			return fmt.Errorf("proposal %s lost after crash", id)
		}
		if p.Status != proposal.StatusProposed {
			return fmt.Errorf("proposal %s status=%s, want PROPOSED", id, p.Status)
		}
	}

	// 9. Verify the queue holds each proposal once.
	entries, err := approval.ReadQueue(queuePath)
	if err != nil {
		return fmt.Errorf("read queue: %w", err)
	}
	seen := map[string]int{}
	for _, e := range entries {
		seen[e.ProposalID]++
	}
	for _, id := range ids {
		if seen[id] != 1 {
			return fmt.Errorf("proposal %s queued %d times", id, seen[id])
		}
	}
	fmt.Printf("QUEUE entries=%d\n", len(entries))

	// 10. Verify ledger integrity.
	store, err := persistence.Open(filepath.Join(home, "janus.db"))
	if err != nil {
		return fmt.Errorf("reopen ledger after kill: %w", err)
	}
	defer store.Close()
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	if _, err := store.Executions(ctx, "", 10); err != nil {
		return fmt.Errorf("query executions: %w", err)
	}
	fmt.Printf("LEDGER schema_version=%d\n", version)
	return nil
}

func propose(bin, home string, i int) (string, error) {
	draft, _ := json.Marshal(map[string]any{
		"action_type":      "maintenance",
		"rationale":        fmt.Sprintf("Chaos drill proposal %d for crash recovery", i),
		"expected_outcome": "nothing; never approved",
		"risk_level":       "high",
		"tool_name":        "shell",
		"tool_args":        []string{fmt.Sprintf("echo drill-%d", i)},
	})
	cmd := exec.Command(bin, "--home", home, "propose", "--file", "-")
	cmd.Stdin = strings.NewReader(string(draft))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("propose %d: %w\n%s", i, err, out)
	}
	m := proposedRe.FindStringSubmatch(string(out))
	if m == nil {
		return "", fmt.Errorf("propose %d: unexpected output %q", i, out)
	}
	return m[1], nil
}

// startDaemon returns once the daemon logs its startup line.
func startDaemon(bin, home string) (*exec.Cmd, error) {
	cmd := exec.Command(bin, "--home", home, "daemon")
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	started := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(pipe)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		signalled := false
		for sc.Scan() {
			if !signalled && strings.Contains(sc.Text(), "janus daemon started") {
				close(started)
				signalled = true
			}
		}
		_, _ = io.Copy(io.Discard, pipe)
	}()
	select {
	case <-started:
		return cmd, nil
	case <-time.After(15 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("daemon did not start")
	}
}

func waitQueued(path string, ids []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		entries, err := approval.ReadQueue(path)
		if err != nil {
			return fmt.Errorf("read queue: %w", err)
		}
		seen := map[string]bool{}
		for _, e := range entries {
			seen[e.ProposalID] = true
		}
		all := true
		for _, id := range ids {
			all = all && seen[id]
		}
		if all {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("proposals not queued within %s", timeout)
}

func waitExit(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("daemon did not exit within %s", timeout)
	}
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	return filepath.Dir(strings.TrimSpace(string(out)))
}
