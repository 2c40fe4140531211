package turn

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/event"
)

type interruptCall struct {
	conversationID string
	turnID         string
}

type fakeInterrupter struct {
	mu    sync.Mutex
	calls []interruptCall
	err   error
}

func (f *fakeInterrupter) InterruptTurn(_ context.Context, conversationID, turnID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, interruptCall{conversationID: conversationID, turnID: turnID})
	return f.err
}

func (f *fakeInterrupter) Calls() []interruptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interruptCall(nil), f.calls...)
}

func env(conversationID, id, typ string) event.Envelope {
	return event.Envelope{ConversationID: conversationID, ID: id, Event: event.New(typ, nil)}
}

func TestLifecycleIdleBusyIdle(t *testing.T) {
	tr := New(&fakeInterrupter{})

	assert.Equal(t, "idle", tr.State("c1").Phase())
	tr.Observe(env("c1", "", event.TypeTaskStarted))
	assert.Equal(t, State{Busy: true}, tr.State("c1"))
	assert.Equal(t, "starting", tr.State("c1").Phase())

	tr.Observe(env("c1", "t1", event.TypeAgentMessage))
	assert.Equal(t, State{Busy: true, TurnID: "t1"}, tr.State("c1"))

	tr.Observe(env("c1", "t2", event.TypeAgentMessage))
	assert.Equal(t, "t1", tr.State("c1").TurnID, "first turn id wins")

	tr.Observe(env("c1", "t1", event.TypeTaskComplete))
	assert.Equal(t, State{}, tr.State("c1"))
}

func TestTurnIDNotRecordedWhileIdle(t *testing.T) {
	tr := New(nil)
	tr.Observe(env("c1", "t1", event.TypeAgentMessage))
	assert.Equal(t, State{}, tr.State("c1"))
}

func TestTerminalEventsClearBusy(t *testing.T) {
	for _, typ := range []string{
		event.TypeTaskComplete,
		event.TypeError,
		event.TypeStreamError,
		event.TypeTurnAborted,
		event.TypeExecApprovalRequest,
		event.TypeApplyPatchApprovalReq,
	} {
		t.Run(typ, func(t *testing.T) {
			tr := New(nil)
			tr.BeginTurn("c1")
			tr.BeginTurn("c2")
			require.NoError(t, tr.Interrupt(context.Background(), "c1"))
			require.True(t, tr.State("c1").InterruptPending)

			tr.Observe(env("c1", "", typ))
			assert.Equal(t, State{}, tr.State("c1"))
			assert.True(t, tr.Busy("c2"), "other conversations are unaffected")
		})
	}
}

func TestInterruptBeforeTurnIDIsDeferred(t *testing.T) {
	fake := &fakeInterrupter{}
	tr := New(fake)

	tr.BeginTurn("c1")
	require.NoError(t, tr.Interrupt(context.Background(), "c1"))
	require.NoError(t, tr.Interrupt(context.Background(), "c1"))
	assert.Empty(t, fake.Calls(), "no backend call without a turn id")
	assert.Equal(t, "interrupting", tr.State("c1").Phase())

	tr.Observe(env("c1", "", event.TypeTaskStarted))
	assert.True(t, tr.State("c1").InterruptPending, "event without turn id keeps the request pending")

	tr.Observe(env("c1", "t1", event.TypeAgentReasoning))
	assert.False(t, tr.Busy("c1"))

	tr.Observe(env("c1", "t1", event.TypeAgentMessage))
	tr.Wait()
	assert.Equal(t, []interruptCall{{conversationID: "c1", turnID: "t1"}}, fake.Calls())
	assert.Equal(t, State{}, tr.State("c1"))
}

func TestInterruptWithKnownTurn(t *testing.T) {
	fake := &fakeInterrupter{}
	tr := New(fake)
	tr.Observe(env("c1", "t1", event.TypeTaskStarted))

	require.NoError(t, tr.Interrupt(context.Background(), "c1"))
	assert.Equal(t, []interruptCall{{conversationID: "c1", turnID: "t1"}}, fake.Calls())
	assert.False(t, tr.Busy("c1"))
}

func TestInterruptFailureKeepsStateForTerminalEvent(t *testing.T) {
	fake := &fakeInterrupter{err: &backend.TransportError{Op: "write", Cause: errors.New("broken pipe")}}
	tr := New(fake)
	tr.Observe(env("c1", "t1", event.TypeTaskStarted))

	err := tr.Interrupt(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, backend.IsTransport(err))
	assert.Equal(t, State{Busy: true, TurnID: "t1"}, tr.State("c1"))

	fake.err = nil
	require.NoError(t, tr.Interrupt(context.Background(), "c1"), "still interruptible after a failure")
	assert.False(t, tr.Busy("c1"))
}

func TestInterruptTurnNotFoundCountsAsTerminal(t *testing.T) {
	fake := &fakeInterrupter{err: &backend.RPCError{Code: backend.ErrCodeInvalidRequest, Message: "turn not found: t1"}}
	tr := New(fake)
	tr.Observe(env("c1", "t1", event.TypeTaskStarted))

	require.NoError(t, tr.Interrupt(context.Background(), "c1"))
	assert.False(t, tr.Busy("c1"))
}

func TestInterruptIdleIsNoop(t *testing.T) {
	fake := &fakeInterrupter{}
	tr := New(fake)
	require.NoError(t, tr.Interrupt(context.Background(), "c1"))
	assert.Empty(t, fake.Calls())
}

func TestAbandonTurnOnlyBeforeTurnID(t *testing.T) {
	tr := New(nil)
	tr.BeginTurn("c1")
	tr.AbandonTurn("c1")
	assert.False(t, tr.Busy("c1"))

	tr.BeginTurn("c1")
	tr.Observe(env("c1", "t1", event.TypeAgentMessage))
	tr.AbandonTurn("c1")
	assert.True(t, tr.Busy("c1"))
}

func TestResetAllAndOnChange(t *testing.T) {
	tr := New(nil)
	var mu sync.Mutex
	seen := map[string]State{}
	tr.OnChange(func(id string, s State) {
		mu.Lock()
		seen[id] = s
		mu.Unlock()
	})

	tr.BeginTurn("c1")
	tr.BeginTurn("c2")
	assert.ElementsMatch(t, []string{"c1", "c2"}, tr.BusyConversations())

	tr.ResetAll()
	assert.Empty(t, tr.BusyConversations())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, State{}, seen["c1"])
	assert.Equal(t, State{}, seen["c2"])
}
