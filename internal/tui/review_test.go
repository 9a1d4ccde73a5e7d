package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/go-janus/internal/approval"
	"github.com/basket/go-janus/internal/proposal"
)

type fakeReviewer struct {
	pending  []*proposal.ActionProposal
	approved map[string]string
	rejected map[string]string
}

func newFakeReviewer(ids ...string) *fakeReviewer {
	f := &fakeReviewer{approved: map[string]string{}, rejected: map[string]string{}}
	base := time.Date(2025, 10, 11, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		f.pending = append(f.pending, &proposal.ActionProposal{
			ProposalID: id,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			ActionType: "analysis",
			RiskLevel:  proposal.RiskMedium,
			ToolName:   "shell",
			ToolKwargs: map[string]any{},
			Status:     proposal.StatusProposed,
		})
	}
	return f
}

func (f *fakeReviewer) Pending() []*proposal.ActionProposal {
	return append([]*proposal.ActionProposal(nil), f.pending...)
}

func (f *fakeReviewer) take(id string) (*proposal.ActionProposal, error) {
	for i, p := range f.pending {
		if p.ProposalID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", approval.ErrNotPending, id)
}

func (f *fakeReviewer) Approve(_ context.Context, id, source string) (*proposal.ActionProposal, error) {
	p, err := f.take(id)
	if err != nil {
		return nil, err
	}
	f.approved[id] = source
	return p, nil
}

func (f *fakeReviewer) Reject(_ context.Context, id, reason string) (*proposal.ActionProposal, error) {
	p, err := f.take(id)
	if err != nil {
		return nil, err
	}
	f.rejected[id] = reason
	return p, nil
}

// send feeds msg to the model and runs any returned command back through
// Update, the way the bubbletea runtime would.
func send(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	for msg != nil {
		next, cmd := m.Update(msg)
		m = next.(Model)
		if cmd == nil {
			break
		}
		msg = cmd()
	}
	return m
}

func TestModel_CursorBounds(t *testing.T) {
	m := NewModel(context.Background(), newFakeReviewer("p-1", "p-2"), "operator")
	m = send(t, m, keyMsg("k"))
	if m.Cursor() != 0 {
		t.Fatalf("cursor = %d, want 0", m.Cursor())
	}
	m = send(t, m, keyMsg("j"))
	m = send(t, m, keyMsg("j"))
	if m.Cursor() != 1 {
		t.Fatalf("cursor = %d, want 1", m.Cursor())
	}
}

func TestModel_ApproveUsesSource(t *testing.T) {
	r := newFakeReviewer("p-1", "p-2")
	m := NewModel(context.Background(), r, "tui:alice")
	m = send(t, m, keyMsg("j"))
	m = send(t, m, keyMsg("a"))

	if got := r.approved["p-2"]; got != "tui:alice" {
		t.Fatalf("approved source = %q", got)
	}
	if len(m.Items()) != 1 || m.Items()[0].ProposalID != "p-1" {
		t.Fatalf("items after approve = %v", m.Items())
	}
	if m.Cursor() != 0 {
		t.Fatalf("cursor should clamp, got %d", m.Cursor())
	}
	if m.Status() != "Approved p-2" {
		t.Fatalf("status = %q", m.Status())
	}
}

func TestModel_RejectFlow(t *testing.T) {
	r := newFakeReviewer("p-1")
	m := NewModel(context.Background(), r, "operator")
	m = send(t, m, keyMsg("r"))
	if !m.RejectOpen() {
		t.Fatal("r should open the reason modal")
	}
	// Keys go to the modal while it is open.
	m = send(t, m, keyMsg("q"))
	if !m.RejectOpen() {
		t.Fatal("q inside the modal should be typed, not quit")
	}
	m = send(t, m, specialKey("backspace"))
	for _, k := range "dup" {
		m = send(t, m, keyMsg(string(k)))
	}
	m = send(t, m, specialKey("enter"))

	if m.RejectOpen() {
		t.Fatal("modal should close after submit")
	}
	if got := r.rejected["p-1"]; got != "dup" {
		t.Fatalf("reject reason = %q", got)
	}
	if len(m.Items()) != 0 || m.Status() != "Rejected p-1" {
		t.Fatalf("items = %d status = %q", len(m.Items()), m.Status())
	}
}

func TestModel_RejectCancelled(t *testing.T) {
	r := newFakeReviewer("p-1")
	m := NewModel(context.Background(), r, "operator")
	m = send(t, m, keyMsg("r"))
	m = send(t, m, specialKey("esc"))
	if m.RejectOpen() || len(r.rejected) != 0 || len(m.Items()) != 1 {
		t.Fatal("esc should cancel without rejecting")
	}
}

func TestModel_DecisionErrorShown(t *testing.T) {
	r := newFakeReviewer("p-1")
	m := NewModel(context.Background(), r, "operator")
	// Someone else decided it first.
	r.pending = nil
	m = send(t, m, keyMsg("a"))
	if !strings.Contains(m.Status(), "failed") {
		t.Fatalf("status = %q", m.Status())
	}
	if len(m.Items()) != 0 {
		t.Fatal("queue should reload after a failed decision")
	}
}

func TestModel_DetailToggle(t *testing.T) {
	m := NewModel(context.Background(), newFakeReviewer("p-1"), "operator")
	m.now = func() time.Time { return time.Date(2025, 10, 11, 13, 0, 0, 0, time.UTC) }
	m = send(t, m, specialKey("enter"))
	if !m.Detail() {
		t.Fatal("enter should open details")
	}
	if v := m.View(); !strings.Contains(v, "PROPOSAL: p-1") {
		t.Fatalf("detail view = %q", v)
	}
	m = send(t, m, specialKey("esc"))
	if m.Detail() {
		t.Fatal("esc should close details")
	}
}

func TestModel_EmptyQueue(t *testing.T) {
	m := NewModel(context.Background(), newFakeReviewer(), "operator")
	m = send(t, m, keyMsg("a"))
	m = send(t, m, keyMsg("r"))
	m = send(t, m, specialKey("enter"))
	if m.RejectOpen() || m.Detail() || m.Status() != "" {
		t.Fatal("actions on an empty queue should be no-ops")
	}
	if v := m.View(); !strings.Contains(v, "Nothing awaiting approval.") {
		t.Fatalf("view = %q", v)
	}
}

func TestModel_QuitCommands(t *testing.T) {
	m := NewModel(context.Background(), newFakeReviewer("p-1"), "operator")
	for _, k := range []tea.KeyMsg{keyMsg("q"), {Type: tea.KeyCtrlC}} {
		_, cmd := m.Update(k)
		if cmd == nil {
			t.Fatalf("%q should quit", k.String())
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Fatalf("%q should produce QuitMsg", k.String())
		}
	}
}

func TestModel_ReviewerErrorsSurface(t *testing.T) {
	m := NewModel(context.Background(), newFakeReviewer("p-1"), "operator")
	cmd := m.decide("approved", "p-1", func() error { return errors.New("boom") })
	decided := cmd().(DecidedMsg)
	if decided.Err == nil || decided.ProposalID != "p-1" {
		t.Fatalf("decided = %+v", decided)
	}
}
