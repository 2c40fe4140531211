// Package turn tracks, per conversation, whether a turn is in flight and
// resolves interrupts requested before the backend has assigned a turn id.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/event"
)

// DefaultInterruptTimeout bounds an interrupt call issued on behalf of a
// deferred request.
const DefaultInterruptTimeout = 30 * time.Second

// State is the turn state of one conversation. The zero value is Idle.
type State struct {
	Busy             bool
	TurnID           string
	InterruptPending bool
}

// Phase names the state for display.
func (s State) Phase() string {
	switch {
	case !s.Busy:
		return "idle"
	case s.InterruptPending:
		return "interrupting"
	case s.TurnID == "":
		return "starting"
	default:
		return "busy"
	}
}

// Interrupter issues the backend interrupt call.
type Interrupter interface {
	InterruptTurn(ctx context.Context, conversationID, turnID string) error
}

// Tracker owns TurnState for every conversation.
type Tracker struct {
	interrupter Interrupter
	timeout     time.Duration

	mu       sync.Mutex
	states   map[string]*State
	onChange func(conversationID string, s State)

	deferred sync.WaitGroup
}

// New creates a Tracker. interrupter may be nil for read-only use (replay).
func New(interrupter Interrupter) *Tracker {
	return &Tracker{
		interrupter: interrupter,
		timeout:     DefaultInterruptTimeout,
		states:      make(map[string]*State),
	}
}

// OnChange registers a callback invoked after every state transition,
// outside the tracker lock.
func (t *Tracker) OnChange(fn func(conversationID string, s State)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// State returns the current state of a conversation.
func (t *Tracker) State(conversationID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[conversationID]; ok {
		return *s
	}
	return State{}
}

// Busy reports whether a turn is in flight.
func (t *Tracker) Busy(conversationID string) bool {
	return t.State(conversationID).Busy
}

// BeginTurn marks an explicit send: Idle -> Busy(nil).
func (t *Tracker) BeginTurn(conversationID string) {
	t.mu.Lock()
	if s, ok := t.states[conversationID]; ok && s.Busy {
		t.mu.Unlock()
		return
	}
	t.states[conversationID] = &State{Busy: true}
	t.notifyLocked(conversationID)
}

// AbandonTurn reverts a BeginTurn whose send failed. A turn the backend
// already reported is left alone.
func (t *Tracker) AbandonTurn(conversationID string) {
	t.mu.Lock()
	s, ok := t.states[conversationID]
	if !ok || s.TurnID != "" {
		t.mu.Unlock()
		return
	}
	delete(t.states, conversationID)
	t.notifyLocked(conversationID)
}

// Observe applies a final event. Terminal events always clear the state;
// the first turn id seen while busy is recorded and fires any deferred
// interrupt.
func (t *Tracker) Observe(env event.Envelope) {
	id := env.ConversationID
	typ := env.Event.Type

	t.mu.Lock()
	s, ok := t.states[id]
	if event.IsTerminal(typ) {
		if !ok {
			t.mu.Unlock()
			return
		}
		delete(t.states, id)
		debug.LogKV("turn", "terminal event cleared turn", "conversation_id", id, "type", typ, "turn_id", s.TurnID)
		t.notifyLocked(id)
		return
	}

	changed := false
	if event.IsTurnStart(typ) && (!ok || !s.Busy) {
		s = &State{Busy: true}
		t.states[id] = s
		ok = true
		changed = true
	}
	if ok && s.Busy && s.TurnID == "" {
		if turnID := env.TurnID(); turnID != "" {
			s.TurnID = turnID
			changed = true
			if s.InterruptPending {
				delete(t.states, id)
				t.deferred.Add(1)
				go t.runDeferredInterrupt(id, turnID)
			}
		}
	}
	if !changed {
		t.mu.Unlock()
		return
	}
	t.notifyLocked(id)
}

func (t *Tracker) runDeferredInterrupt(conversationID, turnID string) {
	defer t.deferred.Done()
	if t.interrupter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	debug.LogKV("turn", "issuing deferred interrupt", "conversation_id", conversationID, "turn_id", turnID)
	if err := t.interrupter.InterruptTurn(ctx, conversationID, turnID); err != nil {
		debug.LogKV("turn", "deferred interrupt failed", "conversation_id", conversationID, "turn_id", turnID, "error", err)
	}
}

// Interrupt requests that the running turn stop. With no turn id yet the
// request is remembered and issued when the id arrives. With a known id the
// backend is called now and the state clears only on success; a
// turn-not-found answer counts as success.
func (t *Tracker) Interrupt(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	s, ok := t.states[conversationID]
	if !ok || !s.Busy {
		t.mu.Unlock()
		return nil
	}
	if s.TurnID == "" {
		if s.InterruptPending {
			t.mu.Unlock()
			return nil
		}
		s.InterruptPending = true
		debug.LogKV("turn", "interrupt deferred until turn id is known", "conversation_id", conversationID)
		t.notifyLocked(conversationID)
		return nil
	}
	turnID := s.TurnID
	t.mu.Unlock()

	if t.interrupter == nil {
		return errors.New("interrupt: no backend attached")
	}
	err := t.interrupter.InterruptTurn(ctx, conversationID, turnID)
	if err != nil && !errors.Is(err, backend.ErrTurnNotFound) {
		return fmt.Errorf("interrupt turn %s: %w", turnID, err)
	}
	if err != nil {
		debug.LogKV("turn", "interrupt target already gone", "conversation_id", conversationID, "turn_id", turnID)
	}

	t.mu.Lock()
	if cur, ok := t.states[conversationID]; ok && cur.TurnID == turnID {
		delete(t.states, conversationID)
		t.notifyLocked(conversationID)
		return nil
	}
	t.mu.Unlock()
	return nil
}

// Reset returns one conversation to Idle, dropping any pending interrupt.
func (t *Tracker) Reset(conversationID string) {
	t.mu.Lock()
	if _, ok := t.states[conversationID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.states, conversationID)
	t.notifyLocked(conversationID)
}

// ResetAll returns every conversation to Idle.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.states))
	for id := range t.states {
		ids = append(ids, id)
	}
	t.states = make(map[string]*State)
	fn := t.onChange
	t.mu.Unlock()
	if fn == nil {
		return
	}
	for _, id := range ids {
		fn(id, State{})
	}
}

// BusyConversations lists conversations with a turn in flight.
func (t *Tracker) BusyConversations() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, s := range t.states {
		if s.Busy {
			out = append(out, id)
		}
	}
	return out
}

// Wait blocks until every deferred interrupt call has returned.
func (t *Tracker) Wait() {
	t.deferred.Wait()
}

// notifyLocked snapshots the state, releases t.mu and runs the callback.
func (t *Tracker) notifyLocked(conversationID string) {
	var s State
	if cur, ok := t.states[conversationID]; ok {
		s = *cur
	}
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(conversationID, s)
	}
}
