// Package tui is the interactive terminal front-end for a chat session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agusx1211/convsync/internal/directory"
	"github.com/agusx1211/convsync/internal/engine"
	"github.com/agusx1211/convsync/internal/ingest"
	"github.com/agusx1211/convsync/internal/theme"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// callTimeout bounds every backend call issued from the UI.
const callTimeout = 2 * time.Minute

// Session is the part of the engine the UI drives.
type Session interface {
	Send(ctx context.Context, contextKey, text string) (directory.SendResult, error)
	Interrupt(ctx context.Context, conversationID string) error
	Decide(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error
	Snapshot(conversationID string) engine.Snapshot
	Subscribe(buffer int) (<-chan ingest.Change, func())
	TakeDraft(contextKey string) string
	Active(contextKey string) string
}

type changeMsg struct{ change ingest.Change }

type changesClosedMsg struct{}

type sendResultMsg struct {
	res directory.SendResult
	err error
}

type decideResultMsg struct {
	requestID string
	err       error
}

type interruptResultMsg struct{ err error }

// Model is the bubbletea model of one chat.
type Model struct {
	session        Session
	contextKey     string
	conversationID string
	keys           KeyMap

	input   textinput.Model
	changes <-chan ingest.Change
	cancel  func()

	snap    engine.Snapshot
	width   int
	height  int
	status  string
	sending bool
	quit    bool
}

// New creates a chat model bound to contextKey. conversationID may be
// empty; the first send creates or picks the active conversation.
func New(s Session, contextKey, conversationID string) Model {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "Ask the agent…"
	input.PromptStyle = lipgloss.NewStyle().Foreground(theme.ColorMauve)
	input.TextStyle = lipgloss.NewStyle().Foreground(theme.ColorText)
	input.PlaceholderStyle = lipgloss.NewStyle().Foreground(theme.ColorOverlay0)
	input.Focus()

	if conversationID == "" {
		conversationID = s.Active(contextKey)
	}
	changes, cancel := s.Subscribe(256)
	m := Model{
		session:        s,
		contextKey:     contextKey,
		conversationID: conversationID,
		keys:           DefaultKeyMap(),
		input:          input,
		changes:        changes,
		cancel:         cancel,
	}
	m.refresh()
	return m
}

// Run starts the program and blocks until the user quits.
func Run(s Session, contextKey, conversationID string) error {
	m := New(s, contextKey, conversationID)
	defer m.cancel()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.changes))
}

func waitForChange(ch <-chan ingest.Change) tea.Cmd {
	return func() tea.Msg {
		c, ok := <-ch
		if !ok {
			return changesClosedMsg{}
		}
		return changeMsg{change: c}
	}
}

func (m *Model) refresh() {
	if m.conversationID == "" {
		m.snap = engine.Snapshot{}
		return
	}
	m.snap = m.session.Snapshot(m.conversationID)
}

func (m Model) pendingApproval() bool {
	return len(m.snap.Approvals) > 0
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(10, msg.Width-4)
		return m, nil

	case changeMsg:
		c := msg.change
		if m.conversationID == "" && c.ConversationID != "" {
			if active := m.session.Active(m.contextKey); active == c.ConversationID {
				m.conversationID = active
			}
		}
		if c.ConversationID == "" || c.ConversationID == m.conversationID {
			m.refresh()
		}
		if c.Kind == ingest.ChangeBackendExit {
			m.status = "backend exited; the next message reconnects the conversation"
		}
		return m, waitForChange(m.changes)

	case changesClosedMsg:
		return m, nil

	case sendResultMsg:
		m.sending = false
		if msg.err != nil {
			m.status = "send failed: " + msg.err.Error()
			if draft := m.session.TakeDraft(m.contextKey); draft != "" && m.input.Value() == "" {
				m.input.SetValue(draft)
				m.input.CursorEnd()
			}
			return m, nil
		}
		m.conversationID = msg.res.ConversationID
		m.status = ""
		if msg.res.Recreated {
			m.status = "conversation was gone; continued in a new one"
		}
		m.refresh()
		return m, nil

	case decideResultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("approval %s: %v", msg.requestID, msg.err)
		}
		m.refresh()
		return m, nil

	case interruptResultMsg:
		if msg.err != nil {
			m.status = "interrupt failed: " + msg.err.Error()
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quit = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Interrupt):
		if m.conversationID != "" && m.snap.Turn.Busy {
			return m, m.interruptCmd()
		}
		m.quit = true
		return m, tea.Quit
	}

	if m.pendingApproval() {
		req := m.snap.Approvals[0]
		var decision protocol.ApprovalDecision
		switch {
		case key.Matches(msg, m.keys.Accept):
			decision = protocol.DecisionAccept
		case key.Matches(msg, m.keys.AcceptForSession):
			decision = protocol.DecisionAcceptForSession
		case key.Matches(msg, m.keys.Decline):
			decision = protocol.DecisionDecline
		case key.Matches(msg, m.keys.Abort):
			decision = protocol.DecisionAbort
		default:
			return m, nil
		}
		return m, m.decideCmd(req.RequestID, decision)
	}

	if key.Matches(msg, m.keys.Send) {
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.sending {
			return m, nil
		}
		m.input.Reset()
		m.sending = true
		m.status = ""
		return m, m.sendCmd(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) sendCmd(text string) tea.Cmd {
	s, contextKey := m.session, m.contextKey
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		res, err := s.Send(ctx, contextKey, text)
		return sendResultMsg{res: res, err: err}
	}
}

func (m Model) decideCmd(requestID string, decision protocol.ApprovalDecision) tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return decideResultMsg{requestID: requestID, err: s.Decide(ctx, requestID, decision)}
	}
}

func (m Model) interruptCmd() tea.Cmd {
	s, id := m.session, m.conversationID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		return interruptResultMsg{err: s.Interrupt(ctx, id)}
	}
}

func (m Model) View() string {
	if m.quit {
		return ""
	}
	width := m.width
	if width <= 0 {
		width = 80
	}

	header := theme.HeaderStyle.Render("convsync " + m.contextKey)
	if m.snap.Record.Preview != "" {
		header += " " + theme.MutedStyle.Render(m.snap.Record.Preview)
	}

	var body []string
	for _, e := range m.snap.Transcript {
		line, ok := FormatEntry(e)
		if !ok {
			continue
		}
		for _, l := range wrapLines(line, width) {
			body = append(body, styleEntry(e, l))
		}
	}
	for _, b := range m.snap.Buffers {
		for _, l := range wrapLines(b.Text, width) {
			body = append(body, renderBuffer(b.Key.Kind, l))
		}
	}

	var footer []string
	if m.pendingApproval() {
		req := m.snap.Approvals[0]
		banner := DescribeApproval(req)
		if n := len(m.snap.Approvals); n > 1 {
			banner += fmt.Sprintf("\n  (%d more waiting)", n-1)
		}
		banner += "\n" + helpLine(m.keys.approvalHelp())
		footer = append(footer, theme.ApprovalBannerStyle.Width(max(20, width-2)).Render(banner))
	}
	status := theme.PhaseIndicator(m.snap.Turn.Phase())
	if m.sending {
		status += "  sending…"
	}
	if m.status != "" {
		status += "  " + m.status
	}
	footer = append(footer, theme.StatusBarStyle.Width(width).Render(status))
	footer = append(footer, m.input.View())
	if !m.pendingApproval() {
		footer = append(footer, theme.MutedStyle.Render(helpLine(m.keys.chatHelp())))
	}

	footerText := strings.Join(footer, "\n")
	if m.height > 0 {
		room := m.height - 1 - lipgloss.Height(footerText)
		if room < 0 {
			room = 0
		}
		if len(body) > room {
			body = body[len(body)-room:]
		}
	}
	return strings.Join(append([]string{header}, append(body, footerText)...), "\n")
}

func helpLine(bindings []key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}
