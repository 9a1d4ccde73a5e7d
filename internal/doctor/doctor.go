// Package doctor runs the preflight checks behind `janus doctor`.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-janus/internal/config"
	"github.com/basket/go-janus/internal/cron"
	"github.com/basket/go-janus/internal/persistence"
	"github.com/basket/go-janus/internal/policy"
	"github.com/basket/go-janus/internal/sandbox"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// DockerPinger reaches the docker daemon. Tests substitute it.
var DockerPinger = func(ctx context.Context, image string, p sandbox.Policy) error {
	d, err := sandbox.NewDockerExecutor(image, p, nil)
	if err != nil {
		return err
	}
	return d.Ping(ctx)
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkSandbox,
		checkWorkspace,
		checkTools,
		checkSchedules,
		checkNotifications,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	if err := probeWritable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Ledger", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.LedgerPath())
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	v, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Ledger", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Ledger", Status: StatusPass, Message: fmt.Sprintf("Schema version %d", v), Detail: cfg.LedgerPath()}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	p, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: err.Error(), Detail: cfg.Policy.Path}
	}
	if _, statErr := os.Stat(cfg.Policy.Path); statErr != nil {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "policy.yaml missing, using built-in policy", Detail: cfg.Policy.Path}
	}
	lp := policy.NewLivePolicy(p, "")
	return CheckResult{Name: "Policy", Status: StatusPass, Message: fmt.Sprintf("max_risk_level=%s", p.MaxRiskLevel), Detail: lp.PolicyVersion()}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Sandbox.Backend {
	case config.SandboxBackendDocker:
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := DockerPinger(pingCtx, cfg.Sandbox.DockerImage, cfg.Sandbox.Policy); err != nil {
			return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "docker daemon reachable", Detail: cfg.Sandbox.DockerImage}
	default:
		if _, err := os.Stat(cfg.Sandbox.BwrapPath); err != nil {
			return CheckResult{
				Name:    "Sandbox",
				Status:  StatusWarn,
				Message: "bubblewrap not found; commands run without isolation",
				Detail:  cfg.Sandbox.BwrapPath,
			}
		}
		return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "bubblewrap available", Detail: cfg.Sandbox.BwrapPath}
	}
}

func checkWorkspace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "Config missing"}
	}
	root := cfg.Sandbox.WorkspaceRoot
	if err := os.MkdirAll(root, 0o755); err != nil {
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("Cannot create workspace root: %v", err)}
	}
	if err := probeWritable(root); err != nil {
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("Workspace root unwritable: %v", err)}
	}
	return CheckResult{Name: "Workspace", Status: StatusPass, Message: "Workspace root writable", Detail: root}
}

func checkTools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tools", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Tools) == 0 {
		return CheckResult{Name: "Tools", Status: StatusWarn, Message: "No tools configured; nothing can execute"}
	}
	names := cfg.ToolNames()
	sort.Strings(names)
	bins := make([]string, 0, len(names))
	for _, name := range names {
		bins = append(bins, cfg.Tools[name].Command[0])
	}
	found := sandbox.CheckBins(bins)
	var details []string
	status := StatusPass
	for _, name := range names {
		bin := cfg.Tools[name].Command[0]
		if !found[bin] {
			details = append(details, fmt.Sprintf("%s: %s not found", name, bin))
			status = StatusFail
			continue
		}
		details = append(details, fmt.Sprintf("%s: ok", name))
	}
	return CheckResult{
		Name:    "Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", len(names)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	schedules := []struct{ name, expr string }{
		{"retention", cfg.Retention.Schedule},
		{"workspace_sweep", cfg.Retention.SweepSchedule},
	}
	if cfg.Thinking.Enabled {
		schedules = append(schedules, struct{ name, expr string }{"thinking_cycle", cfg.Thinking.Schedule})
	}
	now := time.Now()
	var details []string
	status := StatusPass
	for _, sc := range schedules {
		next, err := cron.NextRunTime(sc.expr, now)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %q invalid: %v", sc.name, sc.expr, err))
			status = StatusFail
			continue
		}
		details = append(details, fmt.Sprintf("%s: next %s", sc.name, next.Format(time.RFC3339)))
	}
	return CheckResult{
		Name:    "Schedules",
		Status:  status,
		Message: fmt.Sprintf("Parsed %d schedules", len(schedules)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNotifications(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Notifications", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Approval.NotificationEnabled {
		return CheckResult{Name: "Notifications", Status: StatusSkip, Message: "Notifications disabled"}
	}
	var channels []string
	if script := cfg.Approval.NotificationScript; script != "" {
		info, err := os.Stat(script)
		if err != nil {
			return CheckResult{Name: "Notifications", Status: StatusFail, Message: fmt.Sprintf("notification script: %v", err)}
		}
		if info.Mode()&0o111 == 0 {
			return CheckResult{Name: "Notifications", Status: StatusFail, Message: "notification script is not executable", Detail: script}
		}
		channels = append(channels, "script")
	}
	if cfg.Notifications.Telegram.Enabled {
		if len(cfg.Notifications.Telegram.ChatIDs) == 0 {
			return CheckResult{Name: "Notifications", Status: StatusWarn, Message: "telegram enabled without chat_ids"}
		}
		channels = append(channels, "telegram")
	}
	if len(channels) == 0 {
		return CheckResult{Name: "Notifications", Status: StatusWarn, Message: "No notification channel configured; use `janus pending`"}
	}
	return CheckResult{Name: "Notifications", Status: StatusPass, Message: strings.Join(channels, ", ")}
}

func probeWritable(dir string) error {
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return err
	}
	return os.Remove(testFile)
}
