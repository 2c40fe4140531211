// Package engine assembles the sync core: one pipeline, turn tracker,
// approval queue and conversation directory bound to one backend.
package engine

import (
	"context"
	"fmt"

	"github.com/agusx1211/convsync/internal/approval"
	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/coalesce"
	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/directory"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/internal/ingest"
	"github.com/agusx1211/convsync/internal/recording"
	"github.com/agusx1211/convsync/internal/store"
	"github.com/agusx1211/convsync/internal/turn"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// Options configures an Engine.
type Options struct {
	Backend  backend.Backend
	Store    *store.Store
	Recorder *recording.Recorder
	Params   directory.ParamsFunc
}

// Engine owns all sync state of one process.
type Engine struct {
	backend   backend.Backend
	pipeline  *ingest.Pipeline
	tracker   *turn.Tracker
	approvals *approval.Queue
	dir       *directory.Directory
	recorder  *recording.Recorder
}

// New wires the core. The caller routes backend notifications to
// HandleNotification and backend exits to HandleBackendExit.
func New(opts Options) *Engine {
	tracker := turn.New(opts.Backend)
	approvals := approval.New(opts.Backend)
	pipeline := ingest.New(coalesce.New(), tracker, approvals)

	dirOpts := []directory.Option{directory.WithTurnMarker(tracker)}
	if opts.Store != nil {
		dirOpts = append(dirOpts, directory.WithStore(opts.Store))
	}
	if opts.Params != nil {
		dirOpts = append(dirOpts, directory.WithParams(opts.Params))
	}

	e := &Engine{
		backend:   opts.Backend,
		pipeline:  pipeline,
		tracker:   tracker,
		approvals: approvals,
		dir:       directory.New(opts.Backend, dirOpts...),
		recorder:  opts.Recorder,
	}
	pipeline.AddObserver(e.observe)
	return e
}

// Load restores the conversation directory from the store.
func (e *Engine) Load() error {
	return e.dir.Load()
}

// HandleNotification records and ingests one raw backend notification.
func (e *Engine) HandleNotification(raw []byte) bool {
	if e.recorder != nil {
		e.recorder.RecordNotification(raw)
	}
	return e.pipeline.IngestRaw(raw)
}

// HandleBackendExit returns every conversation to Idle, clears approvals
// and releases in-flight conversation creations.
func (e *Engine) HandleBackendExit(reason error) {
	debug.LogKV("engine", "backend exited", "reason", reason)
	e.pipeline.HandleBackendExit()
	e.dir.HandleBackendExit()
}

// Send delivers text to the active conversation of contextKey, creating
// one if needed.
func (e *Engine) Send(ctx context.Context, contextKey, text string) (directory.SendResult, error) {
	return e.dir.SendToContext(ctx, contextKey, text)
}

// SendTo delivers text to a specific conversation.
func (e *Engine) SendTo(ctx context.Context, conversationID, text string) (directory.SendResult, error) {
	return e.dir.Send(ctx, conversationID, text)
}

// NewConversation starts a fresh conversation for contextKey.
func (e *Engine) NewConversation(ctx context.Context, contextKey string) (string, error) {
	return e.dir.StartNew(ctx, contextKey)
}

// Interrupt stops the running turn of a conversation, deferring the call
// if the turn id is not known yet.
func (e *Engine) Interrupt(ctx context.Context, conversationID string) error {
	return e.tracker.Interrupt(ctx, conversationID)
}

// Decide answers an approval request.
func (e *Engine) Decide(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	return e.approvals.Decide(ctx, requestID, decision)
}

// TakeDraft returns and forgets text whose send failed for contextKey.
func (e *Engine) TakeDraft(contextKey string) string {
	return e.dir.TakeDraft(contextKey)
}

// Active returns the active conversation of contextKey, or "".
func (e *Engine) Active(contextKey string) string {
	return e.dir.Active(contextKey)
}

// Clear empties a conversation's transcript and transient state.
func (e *Engine) Clear(conversationID string) {
	e.pipeline.Clear(conversationID)
}

// Resume reopens a stored conversation and replaces its transcript with
// the returned history. It returns the conversation id and the number of
// history entries kept.
func (e *Engine) Resume(ctx context.Context, conversationID, contextKey string) (string, int, error) {
	resp, err := e.dir.Resume(ctx, conversationID, contextKey)
	if err != nil {
		return "", 0, err
	}
	history := make([]event.Event, 0, len(resp.InitialMessages))
	for i, raw := range resp.InitialMessages {
		ev, err := event.Parse(raw)
		if err != nil {
			debug.LogKV("engine", "skipping malformed history entry", "conversation_id", resp.ConversationID, "index", i, "error", err)
			continue
		}
		history = append(history, ev)
	}
	n := e.pipeline.Replace(resp.ConversationID, history)
	return resp.ConversationID, n, nil
}

// Snapshot is a consistent-enough view of one conversation for display.
type Snapshot struct {
	ConversationID string
	Record         directory.Record
	Transcript     []ingest.Entry
	Buffers        []coalesce.Buffer
	Turn           turn.State
	Approvals      []approval.Request
}

// Snapshot returns the current state of a conversation.
func (e *Engine) Snapshot(conversationID string) Snapshot {
	rec, _ := e.dir.Get(conversationID)
	var pending []approval.Request
	for _, r := range e.approvals.Pending() {
		if r.ConversationID == conversationID {
			pending = append(pending, r)
		}
	}
	return Snapshot{
		ConversationID: conversationID,
		Record:         rec,
		Transcript:     e.pipeline.Transcript(conversationID),
		Buffers:        e.pipeline.Buffers(conversationID),
		Turn:           e.pipeline.Turn(conversationID),
		Approvals:      pending,
	}
}

// Subscribe returns pipeline changes.
func (e *Engine) Subscribe(buffer int) (<-chan ingest.Change, func()) {
	return e.pipeline.Subscribe(buffer)
}

// Pipeline exposes the ingestion pipeline.
func (e *Engine) Pipeline() *ingest.Pipeline { return e.pipeline }

// Directory exposes the conversation directory.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// Approvals exposes the approval queue.
func (e *Engine) Approvals() *approval.Queue { return e.approvals }

// Close stops change delivery and waits for deferred interrupts.
func (e *Engine) Close() {
	e.tracker.Wait()
	e.pipeline.Close()
}

// observe keeps directory records in step with the transcript.
func (e *Engine) observe(conversationID string, entry ingest.Entry) {
	ev := entry.Event
	switch ev.Type {
	case event.TypeUserMessage, event.TypeAgentMessage:
		e.dir.UpdatePreview(conversationID, ev.Text())
	case event.TypeTaskComplete:
		if msg := ev.Str("last_agent_message"); msg != "" {
			e.dir.UpdatePreview(conversationID, msg)
		}
	case event.TypeSessionConfigured:
		if path := ev.Str("rollout_path"); path != "" {
			e.dir.UpdatePath(conversationID, path)
		}
	}
}

// String is used in debug output.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s: %d entries, %d buffers, %s, %d approvals",
		s.ConversationID, len(s.Transcript), len(s.Buffers), s.Turn.Phase(), len(s.Approvals))
}
