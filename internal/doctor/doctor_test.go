package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-janus/internal/config"
	"github.com/basket/go-janus/internal/sandbox"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg, err := config.LoadFile(home, config.ConfigPath(home))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("nil config must fail")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: status %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	got := map[string]string{}
	for _, r := range d.Results {
		got[r.Name] = r.Status
	}
	want := map[string]string{
		"Config":      StatusWarn,
		"Permissions": StatusPass,
		"Ledger":      StatusPass,
		"Policy":      StatusWarn,
		"Workspace":   StatusPass,
		"Tools":       StatusWarn,
		"Schedules":   StatusPass,
	}
	for name, status := range want {
		if got[name] != status {
			t.Errorf("%s = %s, want %s", name, got[name], status)
		}
	}
}

func TestCheckTools(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools = map[string]sandbox.ToolConfig{
		"shell":   {Command: []string{"sh", "-c"}},
		"missing": {Command: []string{"definitely-not-a-janus-binary"}},
	}
	r := checkTools(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("status = %s (%s)", r.Status, r.Detail)
	}
	if r.Detail != "missing: definitely-not-a-janus-binary not found; shell: ok" {
		t.Fatalf("detail = %q", r.Detail)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention.Schedule = "every tuesday"
	r := checkSchedules(context.Background(), cfg)
	if r.Status != StatusFail {
		t.Fatalf("status = %s (%s)", r.Status, r.Detail)
	}
	if !strings.Contains(r.Detail, `retention: "every tuesday" invalid`) || !strings.Contains(r.Detail, "workspace_sweep: next ") {
		t.Fatalf("detail = %q", r.Detail)
	}
}

func TestCheckSandbox_Docker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Backend = config.SandboxBackendDocker

	orig := DockerPinger
	t.Cleanup(func() { DockerPinger = orig })

	DockerPinger = func(context.Context, string, sandbox.Policy) error { return errors.New("connection refused") }
	if r := checkSandbox(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("unreachable daemon: %+v", r)
	}
	DockerPinger = func(context.Context, string, sandbox.Policy) error { return nil }
	if r := checkSandbox(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("reachable daemon: %+v", r)
	}
}

func TestCheckSandbox_BwrapMissingWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.BwrapPath = filepath.Join(t.TempDir(), "no-bwrap")
	if r := checkSandbox(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("status = %s", r.Status)
	}
}

func TestCheckNotifications(t *testing.T) {
	cfg := testConfig(t)
	script := filepath.Join(t.TempDir(), "notify.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.Approval.NotificationScript = script
	if r := checkNotifications(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("non-executable script: %+v", r)
	}
	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	cfg.Notifications.Telegram = config.TelegramConfig{Enabled: true, Token: "t", ChatIDs: []int64{1}}
	r := checkNotifications(context.Background(), cfg)
	if r.Status != StatusPass || r.Message != "script, telegram" {
		t.Fatalf("result = %+v", r)
	}
	cfg.Approval.NotificationEnabled = false
	if r := checkNotifications(context.Background(), cfg); r.Status != StatusSkip {
		t.Fatalf("disabled: %+v", r)
	}
}

func TestCheckPolicy_InvalidFileFails(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Policy.Path, []byte("max_risk_level: extreme\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r := checkPolicy(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("result = %+v", r)
	}
}
