package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/autoexec"
	"github.com/basket/go-janus/internal/doctor"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/sandbox"
)

const testConfig = `vessel_id: test-vessel
tools:
  shell:
    command: ["sh", "-c"]
approval:
  notification_enabled: false
`

type nopExecutor struct{}

func (nopExecutor) ExecuteProposal(context.Context, *proposal.ActionProposal, sandbox.ToolConfig) (*sandbox.Result, error) {
	return &sandbox.Result{OK: true}, nil
}

func newHome(t *testing.T, config string) string {
	t.Helper()
	home := t.TempDir()
	if config != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(config), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("JANUS_HOME", home)
	return home
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var proposedRe = regexp.MustCompile(`Proposed (\S+) `)

func proposeDraft(t *testing.T, risk, rationale string) string {
	t.Helper()
	draft := map[string]any{
		"action_type":      "analysis",
		"rationale":        rationale,
		"expected_outcome": "a report in the workspace",
		"risk_level":       risk,
		"tool_name":        "shell",
		"tool_args":        []string{"echo hello"},
	}
	raw, _ := json.Marshal(draft)
	out, err := runCLI(t, string(raw), "propose", "--file", "-")
	if err != nil {
		t.Fatalf("propose: %v\n%s", err, out)
	}
	m := proposedRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("propose output = %q", out)
	}
	return m[1]
}

func TestProposeReviewApprove(t *testing.T) {
	newHome(t, testConfig)
	id := proposeDraft(t, "medium", "Measure how long the nightly index rebuild takes")

	out, err := runCLI(t, "", "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "MEDIUM") {
		t.Fatalf("pending output = %q", out)
	}

	out, err = runCLI(t, "", "review", id)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !strings.Contains(out, "PROPOSAL: "+id) || !strings.Contains(out, "janus approve "+id) {
		t.Fatalf("review output = %q", out)
	}

	out, err = runCLI(t, "", "review")
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if !strings.Contains(out, id) || !strings.HasPrefix(out, "ID") {
		t.Fatalf("review queue output = %q", out)
	}

	out, err = runCLI(t, "", "approve", id)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(out, "Approved "+id) {
		t.Fatalf("approve output = %q", out)
	}

	_, err = runCLI(t, "", "approve", id)
	if !errors.Is(err, approval.ErrNotPending) {
		t.Fatalf("second approve err = %v, want ErrNotPending", err)
	}

	out, err = runCLI(t, "", "pending", "--json")
	if err != nil {
		t.Fatalf("pending --json: %v", err)
	}
	var pending []proposal.ActionProposal
	if err := json.Unmarshal([]byte(out), &pending); err != nil {
		t.Fatalf("decode pending: %v\n%s", err, out)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after approve = %d", len(pending))
	}
}

func TestReject_RequiresReason(t *testing.T) {
	newHome(t, testConfig)
	id := proposeDraft(t, "high", "Rotate the sandbox base image to the newest release")

	if _, err := runCLI(t, "", "reject", id); err == nil {
		t.Fatal("reject without --reason must fail")
	}
	out, err := runCLI(t, "", "reject", id, "--reason", "not this week")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(out, "Rejected "+id+": not this week") {
		t.Fatalf("reject output = %q", out)
	}
}

func TestPropose_Validation(t *testing.T) {
	newHome(t, testConfig)

	if _, err := runCLI(t, ""); err != nil {
		t.Fatalf("bare root command: %v", err)
	}
	if _, err := runCLI(t, "", "propose"); err == nil {
		t.Fatal("propose without a source must fail")
	}
	if _, err := runCLI(t, "", "propose", "--file", "x.json", "--generate"); err == nil {
		t.Fatal("propose with both sources must fail")
	}
	draft := `{"action_type":"analysis","rationale":"r","expected_outcome":"o","risk_level":"low","tool_name":"curl","tool_args":[]}`
	if _, err := runCLI(t, draft, "propose", "--file", "-"); err == nil {
		t.Fatal("unknown tool must be refused")
	}
	if _, err := runCLI(t, "", "propose", "--generate"); err == nil {
		t.Fatal("--generate without thinking.command must fail")
	}
}

func TestPropose_DuplicateIsSuppressed(t *testing.T) {
	newHome(t, testConfig)
	proposeDraft(t, "medium", "Compact the proposal log and archive old entries")

	draft := `{"action_type":"analysis","rationale":"Compact the proposal log and archive old entries","expected_outcome":"o","risk_level":"medium","tool_name":"shell","tool_args":[]}`
	out, err := runCLI(t, draft, "propose", "--file", "-")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if !strings.HasPrefix(out, "Suppressed ") {
		t.Fatalf("duplicate output = %q", out)
	}
}

func TestHistory_Empty(t *testing.T) {
	newHome(t, testConfig)
	for _, source := range []string{"ledger", "log"} {
		out, err := runCLI(t, "", "history", "--source", source)
		if err != nil {
			t.Fatalf("history %s: %v", source, err)
		}
		if !strings.Contains(out, "No executions recorded.") {
			t.Fatalf("history %s output = %q", source, out)
		}
	}
	if _, err := runCLI(t, "", "history", "--source", "nope"); err == nil {
		t.Fatal("unknown source must fail")
	}
}

func TestSuspend(t *testing.T) {
	newHome(t, testConfig)
	id := proposeDraft(t, "high", "Migrate the ledger to the new schema layout")

	out, err := runCLI(t, "", "suspend", id, "--reason", "freeze window")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !strings.Contains(out, "Suspended "+id) {
		t.Fatalf("suspend output = %q", out)
	}
	if _, err := runCLI(t, "", "suspend", id); !errors.Is(err, proposal.ErrInvalidTransition) {
		t.Fatalf("second suspend err = %v, want ErrInvalidTransition", err)
	}
	out, err = runCLI(t, "", "pending")
	if err != nil || strings.Contains(out, id) {
		t.Fatalf("suspended proposal still pending: %v %q", err, out)
	}
}

func TestAuditTrail(t *testing.T) {
	newHome(t, testConfig)
	id := proposeDraft(t, "medium", "Summarize yesterday's failed executions")

	for _, source := range []string{"ledger", "log"} {
		out, err := runCLI(t, "", "audit", id, "--source", source)
		if err != nil {
			t.Fatalf("audit %s: %v", source, err)
		}
		if !strings.Contains(out, "proposal_created") {
			t.Fatalf("audit %s output = %q", source, out)
		}
	}

	out, err := runCLI(t, "", "audit", id, "--json")
	if err != nil {
		t.Fatalf("audit --json: %v", err)
	}
	var trail struct {
		Events []struct {
			Event string         `json:"event"`
			Data  map[string]any `json:"data"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &trail); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(trail.Events) == 0 || trail.Events[0].Data["content_hash"] == nil {
		t.Fatalf("trail = %+v", trail)
	}
	if _, err := runCLI(t, "", "audit", id, "--source", "nope"); err == nil {
		t.Fatal("unknown source must fail")
	}
}

func TestStatus(t *testing.T) {
	newHome(t, testConfig)
	proposeDraft(t, "high", "Re-index the knowledge base after the import")

	out, err := runCLI(t, "", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Vessel: test-vessel", "proposed=1", "ledger_retention", "workspace_sweep"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q: %q", want, out)
		}
	}

	out, err = runCLI(t, "", "status", "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if rep.Proposals["proposed"] != 1 || rep.Executions.Total != 0 || len(rep.NextRuns) != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPolicyForbidTool(t *testing.T) {
	home := newHome(t, testConfig)

	before, err := runCLI(t, "", "policy", "show")
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	out, err := runCLI(t, "", "policy", "forbid-tool", "shell")
	if err != nil {
		t.Fatalf("forbid-tool: %v", err)
	}
	if !strings.HasPrefix(out, "Policy updated (policy-") {
		t.Fatalf("forbid-tool output = %q", out)
	}
	if _, err := runCLI(t, "", "policy", "forbid-pattern", "git push"); err != nil {
		t.Fatalf("forbid-pattern: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(home, "policy.yaml"))
	if err != nil {
		t.Fatalf("read policy: %v", err)
	}
	if !strings.Contains(string(raw), "- shell") || !strings.Contains(string(raw), "git push") {
		t.Fatalf("policy.yaml = %s", raw)
	}
	after, err := runCLI(t, "", "policy", "show")
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	if before == after || !strings.Contains(after, "Forbidden tools: systemctl, reboot, shutdown, sudo, shell\n") {
		t.Fatalf("policy show after = %q", after)
	}

	out, err = runCLI(t, "", "status", "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.PolicyVersions != 2 {
		t.Fatalf("policy versions = %d, want 2", rep.PolicyVersions)
	}
}

func TestJobs(t *testing.T) {
	newHome(t, testConfig)
	out, err := runCLI(t, "", "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.HasPrefix(out, "JOB") || !strings.Contains(out, "ledger_retention") {
		t.Fatalf("jobs list output = %q", out)
	}
	out, err = runCLI(t, "", "jobs", "run", "ledger_retention")
	if err != nil {
		t.Fatalf("jobs run: %v", err)
	}
	if out != "Ran ledger_retention\n" {
		t.Fatalf("jobs run output = %q", out)
	}
	if _, err := runCLI(t, "", "jobs", "run", "nope"); err == nil {
		t.Fatal("unknown job must fail")
	}
}

func TestBackup(t *testing.T) {
	newHome(t, testConfig)
	id := proposeDraft(t, "high", "Archive last quarter's tool-use log")
	dest := filepath.Join(t.TempDir(), "snap")

	out, err := runCLI(t, "", "backup", "--dest", dest)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.Contains(out, "Backup written to "+dest) {
		t.Fatalf("backup output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dest, "janus.db")); err != nil {
		t.Fatalf("ledger copy missing: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dest, "proposals.jsonl"))
	if err != nil || !strings.Contains(string(raw), id) {
		t.Fatalf("proposal log copy = %v %q", err, raw)
	}
	if _, err := runCLI(t, "", "backup", "--dest", dest); err == nil {
		t.Fatal("backup into an existing directory must fail")
	}
}

func TestDoctor_JSON(t *testing.T) {
	newHome(t, "")
	out, err := runCLI(t, "", "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if diag.System.Version != Version || len(diag.Results) == 0 {
		t.Fatalf("diagnosis = %+v", diag)
	}
}

func TestDoctor_Text(t *testing.T) {
	newHome(t, "")
	out, err := runCLI(t, "", "doctor")
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !strings.HasPrefix(out, "Janus Doctor Report") || !strings.Contains(out, "Ledger") {
		t.Fatalf("doctor output = %q", out)
	}
}

func TestHomeFlagOverridesEnv(t *testing.T) {
	newHome(t, testConfig)
	other := t.TempDir()
	if _, err := runCLI(t, "", "--home", other, "pending"); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if _, err := os.Stat(filepath.Join(other, "janus.db")); err != nil {
		t.Fatalf("ledger not created under --home: %v", err)
	}
}

func TestWritePendingTable(t *testing.T) {
	now := time.Date(2025, 10, 11, 12, 0, 0, 0, time.UTC)
	pending := []*proposal.ActionProposal{{
		ProposalID: "p-1",
		Timestamp:  now.Add(-90 * time.Minute),
		RiskLevel:  proposal.RiskHigh,
		ActionType: "analysis",
		ToolName:   "shell",
	}}
	var buf bytes.Buffer
	if err := writePendingTable(&buf, pending, now); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if got := strings.Fields(lines[1]); strings.Join(got, " ") != "p-1 HIGH analysis shell 1h30m0s" {
		t.Fatalf("row = %q", got)
	}
}

func TestStyleReviewKeepsText(t *testing.T) {
	p := &proposal.ActionProposal{ProposalID: "p-1", RiskLevel: proposal.RiskLow, ToolKwargs: map[string]any{}}
	plain := approval.FormatForReview(p)
	styled := styleReview(plain, p.RiskLevel)
	if len(strings.Split(styled, "\n")) != len(strings.Split(plain, "\n")) {
		t.Fatal("styling must not change the line count")
	}
	if !strings.Contains(styled, "PROPOSAL: p-1") {
		t.Fatalf("styled = %q", styled)
	}
}

func TestNeedsReview(t *testing.T) {
	newHome(t, testConfig)
	a, err := openApp(true, false)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	low, err := a.engine.Create(ctx, proposal.CreateRequest{
		ActionType: "analysis", Rationale: "List workspace sizes", ExpectedOutcome: "o",
		RiskLevel: proposal.RiskLow, ToolName: "shell",
	})
	if err != nil {
		t.Fatalf("create low: %v", err)
	}
	high, err := a.engine.Create(ctx, proposal.CreateRequest{
		ActionType: "analysis", Rationale: "Reboot the build host", ExpectedOutcome: "o",
		RiskLevel: proposal.RiskHigh, ToolName: "shell",
	})
	if err != nil {
		t.Fatalf("create high: %v", err)
	}

	enabled, err := autoexec.New(autoexec.DefaultConfig(), a.engine, nopExecutor{}, nil, nil, autoexec.Options{})
	if err != nil {
		t.Fatalf("autoexec: %v", err)
	}
	if needsReview(a.engine, enabled, low) {
		t.Error("low-risk allow-listed proposal should go to the auto executor")
	}
	if !needsReview(a.engine, enabled, high) {
		t.Error("high-risk proposal needs review")
	}

	disabledCfg := autoexec.DefaultConfig()
	disabledCfg.Enabled = false
	disabled, err := autoexec.New(disabledCfg, a.engine, nopExecutor{}, nil, nil, autoexec.Options{})
	if err != nil {
		t.Fatalf("autoexec: %v", err)
	}
	if !needsReview(a.engine, disabled, low) {
		t.Error("with the auto executor off every proposal needs review")
	}
}
