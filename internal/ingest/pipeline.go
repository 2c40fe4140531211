// Package ingest is the single entry point for backend notifications. It
// routes deltas to the coalescer, appends final events to per-conversation
// transcripts, and forwards them to the turn tracker and approval queue.
package ingest

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/agusx1211/convsync/internal/approval"
	"github.com/agusx1211/convsync/internal/coalesce"
	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/internal/eventq"
	"github.com/agusx1211/convsync/internal/turn"
)

// ChangeKind classifies notifications sent to subscribers.
type ChangeKind int

const (
	ChangeAppended    ChangeKind = iota + 1 // final event appended
	ChangeDelta                             // coalesced buffer grew
	ChangeTurn                              // turn state moved
	ChangeApprovals                         // approval queue mutated
	ChangeCleared                           // conversation cleared or torn down
	ChangeReplaced                          // transcript replaced from history
	ChangeBackendExit                       // backend went away
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAppended:
		return "appended"
	case ChangeDelta:
		return "delta"
	case ChangeTurn:
		return "turn"
	case ChangeApprovals:
		return "approvals"
	case ChangeCleared:
		return "cleared"
	case ChangeReplaced:
		return "replaced"
	case ChangeBackendExit:
		return "backend_exit"
	}
	return "unknown"
}

// Change is a notification for presentation subscribers. Subscribers that
// fall behind lose changes and should re-read state through the getters.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Entry          *Entry
	Delta          *coalesce.Buffer
	Turn           turn.State
}

// Observer runs synchronously for every appended entry, under the
// conversation's lock. It must not call back into the pipeline for the same
// conversation.
type Observer func(conversationID string, e Entry)

type conversation struct {
	mu         sync.Mutex
	transcript *Transcript
	closed     bool
}

// Pipeline owns Transcript mutation for every conversation.
type Pipeline struct {
	coalescer *coalesce.Coalescer
	tracker   *turn.Tracker
	approvals *approval.Queue

	mu        sync.Mutex
	convs     map[string]*conversation
	observers []Observer

	changes eventq.Fanout[Change]
	dropped atomic.Int64
}

// New wires a pipeline to its collaborators and subscribes to their
// change callbacks.
func New(c *coalesce.Coalescer, tr *turn.Tracker, q *approval.Queue) *Pipeline {
	p := &Pipeline{
		coalescer: c,
		tracker:   tr,
		approvals: q,
		convs:     make(map[string]*conversation),
	}
	tr.OnChange(func(id string, s turn.State) {
		p.publish(Change{Kind: ChangeTurn, ConversationID: id, Turn: s})
	})
	q.OnChange(func() {
		p.publish(Change{Kind: ChangeApprovals})
	})
	return p
}

// AddObserver registers fn for every appended entry.
func (p *Pipeline) AddObserver(fn Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Subscribe returns a buffered channel of changes and its cancel func.
func (p *Pipeline) Subscribe(buffer int) (<-chan Change, func()) {
	return p.changes.Subscribe(buffer)
}

// Close closes every subscriber channel.
func (p *Pipeline) Close() {
	p.changes.Close()
}

// IngestRaw decodes and ingests one raw notification. Malformed input is
// logged and dropped; it reports whether the notification was accepted.
func (p *Pipeline) IngestRaw(data []byte) bool {
	env, err := event.DecodeNotification(data)
	if err != nil {
		p.drop(err, len(data))
		return false
	}
	return p.Ingest(env)
}

// Ingest processes one envelope. Calls for the same conversation are
// serialized; different conversations proceed independently.
func (p *Pipeline) Ingest(env event.Envelope) bool {
	if env.ConversationID == "" || env.Event.Type == "" {
		p.drop(event.ErrMalformed, 0)
		return false
	}
	c := p.lock(env.ConversationID)
	defer c.mu.Unlock()

	ev := env.Event
	if event.IsDelta(ev.Type) {
		key := coalesce.KeyFor(env.ConversationID, ev)
		text := p.coalescer.Accumulate(key, ev.Delta())
		p.publish(Change{
			Kind:           ChangeDelta,
			ConversationID: env.ConversationID,
			Delta:          &coalesce.Buffer{Key: key, Text: text},
		})
		return true
	}

	entry := c.transcript.append(env)
	p.retire(env)
	p.tracker.Observe(env)
	if event.IsApprovalRequest(ev.Type) {
		if req, err := approval.FromEnvelope(env); err != nil {
			debug.LogKV("ingest", "approval request not queued", "conversation_id", env.ConversationID, "error", err)
		} else {
			p.approvals.Enqueue(req)
		}
	}

	p.mu.Lock()
	observers := append([]Observer(nil), p.observers...)
	p.mu.Unlock()
	for _, fn := range observers {
		fn(env.ConversationID, entry)
	}
	p.publish(Change{Kind: ChangeAppended, ConversationID: env.ConversationID, Entry: &entry})
	return true
}

// retire drops the coalesced buffers a final event supersedes. Turn-ending
// events retire every buffer of the conversation.
func (p *Pipeline) retire(env event.Envelope) {
	typ := env.Event.Type
	if event.IsTerminal(typ) && !event.IsApprovalRequest(typ) {
		if n := p.coalescer.DropConversation(env.ConversationID); n > 0 {
			debug.LogKV("ingest", "turn end retired open buffers", "conversation_id", env.ConversationID, "buffers", n, "type", typ)
		}
		return
	}
	if kind, ok := event.SupersededKind(typ); ok {
		p.coalescer.Retire(env.ConversationID, kind, env.Event.ItemID())
	}
}

// Clear empties a conversation's transcript and retires its buffers, turn
// state and approvals. The conversation stays known.
func (p *Pipeline) Clear(conversationID string) {
	c := p.lock(conversationID)
	p.clearLocked(conversationID, c)
	c.mu.Unlock()
	p.publish(Change{Kind: ChangeCleared, ConversationID: conversationID})
}

// TearDown clears a conversation and forgets it.
func (p *Pipeline) TearDown(conversationID string) {
	c := p.lock(conversationID)
	p.clearLocked(conversationID, c)
	c.closed = true
	p.mu.Lock()
	delete(p.convs, conversationID)
	p.mu.Unlock()
	c.mu.Unlock()
	p.publish(Change{Kind: ChangeCleared, ConversationID: conversationID})
}

func (p *Pipeline) clearLocked(conversationID string, c *conversation) {
	c.transcript.reset()
	p.coalescer.DropConversation(conversationID)
	p.tracker.Reset(conversationID)
	p.approvals.DropConversation(conversationID)
}

// Replace swaps a conversation's transcript for history, e.g. after a
// resume. Delta and malformed messages are skipped; turn state and queued
// approvals are reset.
func (p *Pipeline) Replace(conversationID string, history []event.Event) int {
	c := p.lock(conversationID)
	p.clearLocked(conversationID, c)
	for _, ev := range history {
		if ev.Type == "" || event.IsDelta(ev.Type) {
			continue
		}
		c.transcript.append(event.Envelope{ConversationID: conversationID, Event: ev})
	}
	n := c.transcript.Len()
	c.mu.Unlock()
	p.publish(Change{Kind: ChangeReplaced, ConversationID: conversationID})
	return n
}

// HandleBackendExit flips every conversation to Idle, clears all pending
// approvals and retires every open buffer. Transcripts are kept.
func (p *Pipeline) HandleBackendExit() {
	p.tracker.ResetAll()
	p.approvals.Clear()
	p.coalescer.Reset()
	p.publish(Change{Kind: ChangeBackendExit})
}

// Transcript returns a snapshot of a conversation's entries.
func (p *Pipeline) Transcript(conversationID string) []Entry {
	p.mu.Lock()
	c, ok := p.convs[conversationID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.transcript.Entries()
}

// Buffers returns the live coalesced buffers of a conversation.
func (p *Pipeline) Buffers(conversationID string) []coalesce.Buffer {
	return p.coalescer.Buffers(conversationID)
}

// Turn returns the turn state of a conversation.
func (p *Pipeline) Turn(conversationID string) turn.State {
	return p.tracker.State(conversationID)
}

// Approvals returns the approval queue.
func (p *Pipeline) Approvals() *approval.Queue {
	return p.approvals
}

// Tracker returns the turn tracker.
func (p *Pipeline) Tracker() *turn.Tracker {
	return p.tracker
}

// Conversations lists known conversation ids, sorted.
func (p *Pipeline) Conversations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.convs))
	for id := range p.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dropped returns how many notifications were rejected as malformed.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// lock returns the conversation with its mutex held, creating it on first
// use. A conversation torn down while we waited is replaced by a fresh one.
func (p *Pipeline) lock(conversationID string) *conversation {
	for {
		p.mu.Lock()
		c, ok := p.convs[conversationID]
		if !ok {
			c = &conversation{transcript: &Transcript{}}
			p.convs[conversationID] = c
		}
		p.mu.Unlock()

		c.mu.Lock()
		if !c.closed {
			return c
		}
		c.mu.Unlock()
	}
}

func (p *Pipeline) drop(err error, size int) {
	p.dropped.Add(1)
	debug.LogKV("ingest", "dropping malformed notification", "error", err, "bytes", size)
}

func (p *Pipeline) publish(ch Change) {
	if dropped := p.changes.Publish(ch); dropped > 0 {
		debug.LogKV("ingest", "subscriber behind, change dropped", "kind", ch.Kind.String(), "conversation_id", ch.ConversationID, "subscribers", dropped)
	}
}
