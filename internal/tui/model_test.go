package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/convsync/internal/approval"
	"github.com/agusx1211/convsync/internal/coalesce"
	"github.com/agusx1211/convsync/internal/directory"
	"github.com/agusx1211/convsync/internal/engine"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/internal/ingest"
	"github.com/agusx1211/convsync/internal/turn"
	"github.com/agusx1211/convsync/pkg/protocol"
)

type fakeSession struct {
	mu         sync.Mutex
	snap       engine.Snapshot
	sendErr    error
	draft      string
	sent       []string
	decisions  map[string]protocol.ApprovalDecision
	interrupts int
	changes    chan ingest.Change
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		decisions: make(map[string]protocol.ApprovalDecision),
		changes:   make(chan ingest.Change, 8),
	}
}

func (f *fakeSession) Send(ctx context.Context, contextKey, text string) (directory.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		f.draft = text
		return directory.SendResult{}, &directory.SendError{ContextKey: contextKey, Text: text, Err: f.sendErr}
	}
	f.sent = append(f.sent, text)
	return directory.SendResult{ConversationID: "c1", ClientMessageID: "m1"}, nil
}

func (f *fakeSession) Interrupt(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Decide(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	f.mu.Lock()
	f.decisions[requestID] = decision
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Snapshot(conversationID string) engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	s.ConversationID = conversationID
	return s
}

func (f *fakeSession) Subscribe(buffer int) (<-chan ingest.Change, func()) {
	return f.changes, func() {}
}

func (f *fakeSession) TakeDraft(contextKey string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.draft
	f.draft = ""
	return d
}

func (f *fakeSession) Active(contextKey string) string { return "" }

func typeText(t *testing.T, m Model, text string) Model {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return next.(Model)
}

func press(t *testing.T, m Model, k tea.KeyMsg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(k)
	return next.(Model), cmd
}

func TestSendFlow(t *testing.T) {
	s := newFakeSession()
	m := New(s, "/repo", "")
	m = typeText(t, m, "hello agent")
	assert.Equal(t, "hello agent", m.input.Value())

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.sending)
	assert.Empty(t, m.input.Value())

	next, _ := m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.sending)
	assert.Equal(t, "c1", m.conversationID)
	assert.Equal(t, []string{"hello agent"}, s.sent)
}

func TestEnterOnBlankInputDoesNothing(t *testing.T) {
	m := New(newFakeSession(), "/repo", "")
	m = typeText(t, m, "   ")
	_, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestSendFailureRestoresInput(t *testing.T) {
	s := newFakeSession()
	s.sendErr = errors.New("backend exited")
	m := New(s, "/repo", "")
	m = typeText(t, m, "do not lose me")

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	m = next.(Model)

	assert.Equal(t, "do not lose me", m.input.Value())
	assert.Contains(t, m.status, "send failed")
	assert.Contains(t, ansi.Strip(m.View()), "send failed")
}

func TestApprovalKeys(t *testing.T) {
	s := newFakeSession()
	s.snap.Approvals = []approval.Request{
		{RequestID: "r1", ConversationID: "c1", Kind: approval.KindCommandExecution, Detail: approval.Detail{Command: []string{"rm", "-rf", "build"}, Reason: "cleanup"}},
		{RequestID: "r2", ConversationID: "c1", Kind: approval.KindFileChange},
	}
	m := New(s, "/repo", "c1")

	view := ansi.Strip(m.View())
	assert.Contains(t, view, "Run command: rm -rf build")
	assert.Contains(t, view, "reason: cleanup")
	assert.Contains(t, view, "1 more waiting")

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	require.NotNil(t, cmd)
	m.Update(cmd())
	assert.Equal(t, protocol.DecisionDecline, s.decisions["r1"])
	assert.Empty(t, m.input.Value(), "approval keys are not typed into the composer")

	_, cmd = press(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.Nil(t, cmd)
}

func TestCtrlCInterruptsBusyTurnElseQuits(t *testing.T) {
	s := newFakeSession()
	s.snap.Turn = turn.State{Busy: true, TurnID: "t1"}
	m := New(s, "/repo", "c1")

	m, cmd := press(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, 1, s.interrupts)
	assert.False(t, m.quit)

	s.snap.Turn = turn.State{}
	m.refresh()
	m, cmd = press(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.True(t, m.quit)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestViewRendersTranscriptAndLiveBuffers(t *testing.T) {
	s := newFakeSession()
	s.snap.Transcript = []ingest.Entry{
		{Seq: 1, Event: event.New(event.TypeUserMessage, map[string]any{"message": "what is 2+2"})},
		{Seq: 2, Event: event.New(event.TypeTaskStarted, nil)},
		{Seq: 3, Event: event.New(event.TypeExecCommandBegin, map[string]any{"command": []string{"python", "-c", "print(4)"}})},
	}
	s.snap.Buffers = []coalesce.Buffer{{Key: coalesce.Key{ConversationID: "c1", Item: "a", Kind: event.KindMessage}, Text: "It is"}}
	s.snap.Turn = turn.State{Busy: true, TurnID: "t1"}
	m := New(s, "/repo", "c1")
	next, _ := m.Update(tea.WindowSizeMsg{Width: 60, Height: 30})
	m = next.(Model)

	view := ansi.Strip(m.View())
	assert.Contains(t, view, "> what is 2+2")
	assert.Contains(t, view, "$ python -c print(4)")
	assert.Contains(t, view, "It is")
	assert.Contains(t, view, "working")
	assert.NotContains(t, view, "task_started")
}

func TestChangeMessagesRefreshAndRearm(t *testing.T) {
	s := newFakeSession()
	m := New(s, "/repo", "c1")
	s.snap.Transcript = []ingest.Entry{{Seq: 1, Event: event.New(event.TypeAgentMessage, map[string]any{"message": "fresh"})}}

	next, cmd := m.Update(changeMsg{change: ingest.Change{Kind: ingest.ChangeAppended, ConversationID: "c1"}})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Contains(t, ansi.Strip(m.View()), "fresh")

	next, _ = m.Update(changeMsg{change: ingest.Change{Kind: ingest.ChangeBackendExit}})
	m = next.(Model)
	assert.Contains(t, m.status, "backend exited")
}

func TestFormatEntry(t *testing.T) {
	line, ok := FormatEntry(ingest.Entry{Event: event.New(event.TypeExecCommandEnd, map[string]any{"exit_code": 2})})
	require.True(t, ok)
	assert.Equal(t, "  exit 2", line)

	line, ok = FormatEntry(ingest.Entry{Event: event.New(event.TypeStreamError, map[string]any{"message": "reconnecting"})})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(line, "error: "))

	_, ok = FormatEntry(ingest.Entry{Event: event.New(event.TypeTokenCount, nil)})
	assert.False(t, ok)
}
