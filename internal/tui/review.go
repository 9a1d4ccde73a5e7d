// Package tui is the interactive approval queue behind `janus review`.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/proposal"
)

// Reviewer is the approval surface the queue drives. approval.Workflow
// implements it.
type Reviewer interface {
	Pending() []*proposal.ActionProposal
	Approve(ctx context.Context, id, source string) (*proposal.ActionProposal, error)
	Reject(ctx context.Context, id, reason string) (*proposal.ActionProposal, error)
}

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	riskStyles    = map[proposal.RiskLevel]lipgloss.Style{
		proposal.RiskLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		proposal.RiskMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		proposal.RiskHigh:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}
)

// DecidedMsg reports the outcome of an approve or reject.
type DecidedMsg struct {
	ProposalID string
	Action     string
	Err        error
}

type Model struct {
	ctx      context.Context
	reviewer Reviewer
	source   string
	now      func() time.Time

	items  []*proposal.ActionProposal
	cursor int
	detail bool
	reason ReasonModal
	status string
	failed bool
}

// NewModel loads the current queue. source is recorded as the approver.
func NewModel(ctx context.Context, r Reviewer, source string) Model {
	return Model{
		ctx:      ctx,
		reviewer: r,
		source:   source,
		now:      time.Now,
		items:    r.Pending(),
	}
}

func (m Model) Items() []*proposal.ActionProposal { return m.items }
func (m Model) Cursor() int                       { return m.cursor }
func (m Model) Status() string                    { return m.status }
func (m Model) Detail() bool                      { return m.detail }
func (m Model) RejectOpen() bool                  { return m.reason.IsOpen() }

func (m Model) Init() tea.Cmd { return nil }

func (m Model) selected() *proposal.ActionProposal {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return nil
	}
	return m.items[m.cursor]
}

func (m *Model) reload() {
	m.items = m.reviewer.Pending()
	if m.cursor >= len(m.items) {
		m.cursor = len(m.items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	if len(m.items) == 0 {
		m.detail = false
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case DecidedMsg:
		if msg.Err != nil {
			m.status, m.failed = fmt.Sprintf("%s %s failed: %v", msg.Action, msg.ProposalID, msg.Err), true
		} else {
			m.status, m.failed = fmt.Sprintf("%s %s", titleCase(msg.Action), msg.ProposalID), false
		}
		m.reload()
		return m, nil
	case RejectSubmittedMsg:
		return m, m.decide("rejected", msg.ProposalID, func() error {
			_, err := m.reviewer.Reject(m.ctx, msg.ProposalID, msg.Reason)
			return err
		})
	case RejectCancelledMsg:
		m.status = ""
		return m, nil
	case tea.KeyMsg:
		if m.reason.IsOpen() {
			return m, m.reason.Update(msg)
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.detail = false
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "enter":
		m.detail = !m.detail && m.selected() != nil
	case "g":
		m.reload()
		m.status = ""
	case "a":
		if p := m.selected(); p != nil {
			id := p.ProposalID
			return m, m.decide("approved", id, func() error {
				_, err := m.reviewer.Approve(m.ctx, id, m.source)
				return err
			})
		}
	case "r":
		if p := m.selected(); p != nil {
			m.reason.Open(p.ProposalID)
		}
	}
	return m, nil
}

func (m Model) decide(action, id string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return DecidedMsg{ProposalID: id, Action: action, Err: fn()}
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Janus approval queue (%d pending)", len(m.items))) + "\n\n")

	if len(m.items) == 0 {
		b.WriteString(dimStyle.Render("Nothing awaiting approval.") + "\n")
	}
	now := m.now()
	for i, p := range m.items {
		marker := "  "
		if i == m.cursor {
			marker = selectedStyle.Render("▸ ")
		}
		risk := riskStyles[p.RiskLevel].Render(fmt.Sprintf("%-6s", strings.ToUpper(p.RiskLevel.String())))
		line := fmt.Sprintf("%s %-20s %-10s %s", risk, p.ActionType, p.ToolName, dimStyle.Render(now.Sub(p.Timestamp).Round(time.Minute).String()))
		b.WriteString(marker + p.ProposalID + "  " + line + "\n")
	}

	if p := m.selected(); m.detail && p != nil {
		b.WriteString("\n" + approval.FormatForReview(p) + "\n")
	}

	if m.status != "" {
		style := okStyle
		if m.failed {
			style = errStyle
		}
		b.WriteString("\n" + style.Render(m.status) + "\n")
	}
	if m.reason.IsOpen() {
		b.WriteString("\n" + m.reason.View() + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("↑/↓ select  enter details  a approve  r reject  g refresh  q quit") + "\n")
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Run shows the queue until the operator quits or ctx is cancelled.
func Run(ctx context.Context, r Reviewer, source string) error {
	defer bestEffortResetTTY()

	p := tea.NewProgram(NewModel(ctx, r, source), tea.WithAltScreen())

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return nil
	case err := <-done:
		return err
	}
}
