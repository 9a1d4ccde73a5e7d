package proposalgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/go-janus/internal/audit"
	"github.com/basket/go-janus/internal/proposal"
	"github.com/basket/go-janus/internal/safety"
	"github.com/basket/go-janus/internal/shared"
)

const (
	DefaultMaxRetries     = 1
	DefaultCommandTimeout = 120 * time.Second
)

// Backend produces raw text for a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ContextSource returns the current mission context for a prompt.
type ContextSource func(ctx context.Context) (string, error)

// CommandBackend runs a local inference program with the prompt on stdin and
// treats its stdout as the completion.
type CommandBackend struct {
	Argv    []string
	Timeout time.Duration
}

func (b *CommandBackend) Generate(ctx context.Context, prompt string) (string, error) {
	if len(b.Argv) == 0 {
		return "", errors.New("command backend: empty argv")
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.Argv[0], b.Argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command backend %s: %w: %s", b.Argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

type Options struct {
	MaxRetries int
	Audit      audit.Emitter
	Logger     *slog.Logger
}

// Generator asks the backend for one proposal and files it with the engine.
type Generator struct {
	backend Backend
	source  ContextSource
	engine  *proposal.Engine
	retries int
	audit   audit.Emitter
	logger  *slog.Logger
}

func NewGenerator(backend Backend, source ContextSource, engine *proposal.Engine, opts Options) *Generator {
	g := &Generator{
		backend: backend,
		source:  source,
		engine:  engine,
		retries: opts.MaxRetries,
		audit:   opts.Audit,
		logger:  opts.Logger,
	}
	if g.retries <= 0 {
		g.retries = DefaultMaxRetries
	}
	if g.audit == nil {
		g.audit = audit.Discard{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Propose runs one thinking cycle. A suppressed duplicate is returned as-is
// with DRAFT status.
func (g *Generator) Propose(ctx context.Context) (*proposal.ActionProposal, error) {
	mission := ""
	if g.source != nil {
		var err error
		if mission, err = g.source(ctx); err != nil {
			return nil, fmt.Errorf("load mission context: %w", err)
		}
	}
	tools := g.engine.KnownTools()
	prompt := BuildPrompt(mission, tools)

	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		raw, err := g.backend.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		draft, err := Parse([]byte(raw), tools)
		if err == nil {
			req, err := draft.Request(mission)
			if errors.Is(err, safety.ErrManipulation) {
				g.audit.Emit(audit.LevelWarn, "proposalgen.screen_blocked", map[string]any{
					"attempt":  attempt + 1,
					"error":    err.Error(),
					"trace_id": shared.TraceID(ctx),
				})
				g.logger.Warn("generated draft refused", "error", err)
			}
			if err != nil {
				return nil, err
			}
			p, err := g.engine.Create(ctx, req)
			if err != nil {
				return nil, err
			}
			g.audit.Emit(audit.LevelInfo, "proposalgen.generated", map[string]any{
				"proposal_id": p.ProposalID,
				"attempts":    attempt + 1,
				"status":      p.Status.String(),
				"trace_id":    shared.TraceID(ctx),
			})
			return p, nil
		}
		lastErr = err
		g.audit.Emit(audit.LevelWarn, "proposalgen.invalid_output", map[string]any{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		g.logger.Warn("model output rejected", "attempt", attempt+1, "error", err)
		prompt = RetryPrompt(prompt, err)
	}
	return nil, fmt.Errorf("generate proposal after %d attempts: %w", g.retries+1, lastErr)
}

// BuildPrompt is the instruction text sent to the backend.
func BuildPrompt(mission string, tools []string) string {
	var b strings.Builder
	b.WriteString("Generate a single JSON object describing one action proposal that advances the mission.\n\n")
	if len(tools) > 0 {
		b.WriteString("AVAILABLE TOOLS (tool_name must be one of these):\n")
		for _, t := range tools {
			b.WriteString("- " + t + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Constraints:\n")
	b.WriteString("- Output only the JSON object.\n")
	b.WriteString(`- Required keys: "action_type", "rationale", "expected_outcome", "risk_level", "tool_name", "tool_args".` + "\n")
	b.WriteString(`- "risk_level" is one of "low", "medium", "high".` + "\n")
	b.WriteString(`- "tool_args" is a list of strings.` + "\n")
	b.WriteString(`- Optional keys: "risk_mitigation", "rollback_plan", "tool_kwargs".` + "\n")
	if mission != "" {
		b.WriteString("\nMission context:\n---\n")
		b.WriteString(mission)
		b.WriteString("\n---\n")
	}
	b.WriteString("\nJSON proposal:\n")
	return b.String()
}

func RetryPrompt(prompt string, err error) string {
	return prompt + fmt.Sprintf("\nYour previous response was rejected: %s\nRespond again with only a valid JSON object.\n", err)
}
