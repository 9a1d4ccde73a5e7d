package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-janus/internal/proposal"
)

const DefaultScriptTimeout = 10 * time.Second

// Commands are the operator CLI invocations for one proposal.
type Commands struct {
	Review  string `json:"review"`
	Approve string `json:"approve"`
	Reject  string `json:"reject"`
}

func CommandsFor(id string) Commands {
	return Commands{
		Review:  "janus review " + id,
		Approve: "janus approve " + id,
		Reject:  "janus reject " + id + ` --reason "..."`,
	}
}

// Notification is the payload delivered to every notifier.
type Notification struct {
	ProposalID      string   `json:"proposal_id"`
	VesselID        string   `json:"vessel_id"`
	ActionType      string   `json:"action_type"`
	RiskLevel       string   `json:"risk_level"`
	Rationale       string   `json:"rationale"`
	ExpectedOutcome string   `json:"expected_outcome"`
	Tool            string   `json:"tool"`
	Commands        Commands `json:"commands"`
}

func NotificationFor(p *proposal.ActionProposal) Notification {
	return Notification{
		ProposalID:      p.ProposalID,
		VesselID:        p.VesselID,
		ActionType:      p.ActionType,
		RiskLevel:       p.RiskLevel.String(),
		Rationale:       p.Rationale,
		ExpectedOutcome: p.ExpectedOutcome,
		Tool:            p.ToolName,
		Commands:        CommandsFor(p.ProposalID),
	}
}

// Notifier delivers a pending-approval notice to an operator.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

type NoopNotifier struct{}

func (NoopNotifier) Name() string                               { return "noop" }
func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// ScriptNotifier runs an external program with the JSON payload on stdin.
type ScriptNotifier struct {
	Path    string
	Timeout time.Duration
}

func (s *ScriptNotifier) Name() string { return "script" }

func (s *ScriptNotifier) Notify(ctx context.Context, n Notification) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	cmd := exec.CommandContext(ctx, s.Path)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("notification script %s: %w", s.Path, ctx.Err())
		}
		return fmt.Errorf("notification script %s: %w: %s", s.Path, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Name() string {
	names := make([]string, 0, len(m))
	for _, n := range m {
		names = append(names, n.Name())
	}
	return strings.Join(names, ",")
}

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// telegramSender is the subset of *tgbotapi.BotAPI used for delivery.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends a MarkdownV2 message to each configured chat.
type TelegramNotifier struct {
	bot     telegramSender
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegramNotifier authenticates the bot token against the Telegram API.
func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram notifier: empty bot token")
	}
	if len(chatIDs) == 0 {
		return nil, errors.New("telegram notifier: no chat ids configured")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier authorized", "username", bot.Self.UserName, "chats", len(chatIDs))
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(_ context.Context, n Notification) error {
	text := formatTelegram(n)
	var errs []error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send telegram approval notice", "chat_id", chatID, "error", err)
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func formatTelegram(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Approval required* `%s`\n\n", escapeCode(n.ProposalID))
	fmt.Fprintf(&b, "*Action:* %s\n", escapeMarkdownV2(n.ActionType))
	fmt.Fprintf(&b, "*Risk:* %s\n", escapeMarkdownV2(strings.ToUpper(n.RiskLevel)))
	fmt.Fprintf(&b, "*Tool:* %s\n\n", escapeMarkdownV2(n.Tool))
	fmt.Fprintf(&b, "%s\n\n", escapeMarkdownV2(truncate(n.Rationale, 400)))
	if n.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "_Expected:_ %s\n\n", escapeMarkdownV2(truncate(n.ExpectedOutcome, 200)))
	}
	fmt.Fprintf(&b, "`%s`\n`%s`\n`%s`",
		escapeCode(n.Commands.Review),
		escapeCode(n.Commands.Approve),
		escapeCode(n.Commands.Reject))
	return b.String()
}

// escapeMarkdownV2 escapes the characters Telegram reserves in MarkdownV2 text.
func escapeMarkdownV2(s string) string {
	const special = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes inside `code` spans, where only ` and \ are reserved.
func escapeCode(s string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
