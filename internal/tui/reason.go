package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ReasonModal collects the rejection reason for one proposal.
type ReasonModal struct {
	open       bool
	proposalID string
	reason     string
	err        string
}

func (m *ReasonModal) Open(proposalID string) {
	m.open = true
	m.proposalID = proposalID
	m.reason = ""
	m.err = ""
}

func (m *ReasonModal) Close()            { m.open = false }
func (m ReasonModal) IsOpen() bool       { return m.open }
func (m ReasonModal) Reason() string     { return m.reason }
func (m ReasonModal) ProposalID() string { return m.proposalID }
func (m ReasonModal) Err() string        { return m.err }

type RejectSubmittedMsg struct {
	ProposalID string
	Reason     string
}

type RejectCancelledMsg struct{}

func (m *ReasonModal) Update(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.Close()
		return func() tea.Msg { return RejectCancelledMsg{} }
	case tea.KeyEnter:
		return m.submit()
	case tea.KeyBackspace:
		if r := []rune(m.reason); len(r) > 0 {
			m.reason = string(r[:len(r)-1])
		}
		return nil
	case tea.KeySpace:
		m.reason += " "
		return nil
	case tea.KeyRunes:
		m.reason += string(msg.Runes)
		return nil
	}
	return nil
}

func (m *ReasonModal) submit() tea.Cmd {
	reason := strings.TrimSpace(m.reason)
	if reason == "" {
		m.err = "A reason is required"
		return nil
	}
	id := m.proposalID
	m.Close()
	return func() tea.Msg { return RejectSubmittedMsg{ProposalID: id, Reason: reason} }
}

func (m ReasonModal) View() string {
	if !m.open {
		return ""
	}
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(60)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	var b strings.Builder
	b.WriteString(title.Render("Reject "+m.proposalID) + "\n\n")
	b.WriteString("Reason: [ " + m.reason + " ]\n\n")
	b.WriteString(dim.Render("Enter to reject, Esc to cancel"))
	if m.err != "" {
		b.WriteString("\n\n" + errS.Render("⚠ "+m.err))
	}
	return border.Render(b.String())
}
