package tui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func specialKey(k string) tea.KeyMsg {
	switch k {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEscape}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "backspace":
		return tea.KeyMsg{Type: tea.KeyBackspace}
	case "space":
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
}

func keyMsg(k string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func typeText(m *ReasonModal, s string) {
	for _, r := range s {
		if r == ' ' {
			m.Update(specialKey("space"))
			continue
		}
		m.Update(keyMsg(string(r)))
	}
}

func TestReasonModal_OpenResets(t *testing.T) {
	var m ReasonModal
	if m.IsOpen() {
		t.Fatal("should start closed")
	}
	m.Open("p-1")
	m.reason = "old"
	m.err = "old"
	m.Open("p-2")
	if !m.IsOpen() || m.Reason() != "" || m.Err() != "" || m.ProposalID() != "p-2" {
		t.Fatalf("Open() should reset state: %+v", m)
	}
}

func TestReasonModal_EscCancels(t *testing.T) {
	var m ReasonModal
	m.Open("p-1")
	cmd := m.Update(specialKey("esc"))
	if m.IsOpen() {
		t.Fatal("esc should close")
	}
	if cmd == nil {
		t.Fatal("esc should return a cmd")
	}
	if _, ok := cmd().(RejectCancelledMsg); !ok {
		t.Fatal("esc should produce RejectCancelledMsg")
	}
}

func TestReasonModal_TypingAndBackspace(t *testing.T) {
	var m ReasonModal
	m.Open("p-1")
	typeText(&m, "too risky")
	if m.Reason() != "too risky" {
		t.Fatalf("reason = %q", m.Reason())
	}
	m.Update(specialKey("backspace"))
	m.Update(specialKey("backspace"))
	if m.Reason() != "too ris" {
		t.Fatalf("after backspace reason = %q", m.Reason())
	}
}

func TestReasonModal_EmptyReasonRefused(t *testing.T) {
	var m ReasonModal
	m.Open("p-1")
	m.Update(specialKey("space"))
	if cmd := m.Update(specialKey("enter")); cmd != nil {
		t.Fatal("blank reason must not submit")
	}
	if !m.IsOpen() {
		t.Fatal("modal should stay open")
	}
	if m.Err() != "A reason is required" {
		t.Fatalf("err = %q", m.Err())
	}
}

func TestReasonModal_SubmitTrims(t *testing.T) {
	var m ReasonModal
	m.Open("p-1")
	typeText(&m, " not now ")
	cmd := m.Update(specialKey("enter"))
	if cmd == nil {
		t.Fatal("enter should submit")
	}
	if m.IsOpen() {
		t.Fatal("submit should close")
	}
	msg, ok := cmd().(RejectSubmittedMsg)
	if !ok {
		t.Fatal("expected RejectSubmittedMsg")
	}
	if msg.ProposalID != "p-1" || msg.Reason != "not now" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestReasonModal_ViewClosedIsEmpty(t *testing.T) {
	var m ReasonModal
	if m.View() != "" {
		t.Fatal("closed modal should render nothing")
	}
	m.Open("p-1")
	m.Update(specialKey("enter"))
	if v := m.View(); v == "" {
		t.Fatal("open modal should render")
	}
}
