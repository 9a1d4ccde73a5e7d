package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-janus/internal/shared"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("proposal created", "proposal_id", "janus-0123456789ab")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["proposal_id"] != "janus-0123456789ab" {
		t.Fatalf("expected proposal_id propagation, got %#v", entry["proposal_id"])
	}
}

func TestHandler_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info"))
	logger.Info("notify",
		"bot_token", "123",
		"stderr", "Authorization: Bearer super-secret-token",
	)
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["bot_token"] != "[REDACTED]" {
		t.Fatalf("expected bot_token redaction, got %#v", entry["bot_token"])
	}
	if entry["stderr"] != "[REDACTED]" {
		t.Fatalf("expected stderr redaction, got %#v", entry["stderr"])
	}
}

func TestHandler_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "warn"))
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn entry, got %q", buf.String())
	}
}

func TestWithContext_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(NewHandler(&buf, "info"))
	ctx := shared.WithTraceID(context.Background(), "trace-1")
	ctx = shared.WithProposalID(ctx, "janus-aaaaaaaaaaaa")
	WithContext(ctx, base).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["trace_id"] != "trace-1" || entry["proposal_id"] != "janus-aaaaaaaaaaaa" {
		t.Fatalf("context ids missing: %#v", entry)
	}
	if _, ok := entry["execution_id"]; ok {
		t.Fatalf("unexpected execution_id: %#v", entry)
	}
}
