package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the chat key bindings.
type KeyMap struct {
	Send      key.Binding
	Interrupt key.Binding
	Quit      key.Binding

	Accept           key.Binding
	AcceptForSession key.Binding
	Decline          key.Binding
	Abort            key.Binding
}

// DefaultKeyMap returns the default chat bindings. The approval keys are
// only active while an approval is pending.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Send: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "interrupt / quit"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+d"),
			key.WithHelp("ctrl+d", "quit"),
		),
		Accept: key.NewBinding(
			key.WithKeys("a", "y"),
			key.WithHelp("a", "accept"),
		),
		AcceptForSession: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "accept for session"),
		),
		Decline: key.NewBinding(
			key.WithKeys("d", "n"),
			key.WithHelp("d", "decline"),
		),
		Abort: key.NewBinding(
			key.WithKeys("x", "esc"),
			key.WithHelp("x", "abort turn"),
		),
	}
}

func (k KeyMap) approvalHelp() []key.Binding {
	return []key.Binding{k.Accept, k.AcceptForSession, k.Decline, k.Abort}
}

func (k KeyMap) chatHelp() []key.Binding {
	return []key.Binding{k.Send, k.Interrupt, k.Quit}
}
