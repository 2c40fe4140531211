// Package approval keeps the FIFO of approval requests the agent is blocked
// on and resolves them through the backend.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// Kind distinguishes what the agent wants to do.
type Kind string

const (
	KindCommandExecution Kind = "CommandExecution"
	KindFileChange       Kind = "FileChange"
)

// Detail carries the kind-specific payload shown to the user.
type Detail struct {
	Command     []string                   `json:"command,omitempty"`
	Cwd         string                     `json:"cwd,omitempty"`
	Reason      string                     `json:"reason,omitempty"`
	Amendment   []string                   `json:"proposed_execpolicy_amendment,omitempty"`
	FileChanges map[string]json.RawMessage `json:"changes,omitempty"`
	GrantRoot   string                     `json:"grant_root,omitempty"`
}

// Request is one pending approval.
type Request struct {
	RequestID      string
	ConversationID string
	TurnID         string
	ItemID         string
	Kind           Kind
	Detail         Detail
	ReceivedAt     time.Time
}

// FromEnvelope builds a Request from an approval-request event. The
// request id is the server request id when the transport supplied one,
// otherwise the call id.
func FromEnvelope(env event.Envelope) (Request, error) {
	ev := env.Event
	var kind Kind
	switch ev.Type {
	case event.TypeExecApprovalRequest:
		kind = KindCommandExecution
	case event.TypeApplyPatchApprovalReq:
		kind = KindFileChange
	default:
		return Request{}, fmt.Errorf("%s is not an approval request", ev.Type)
	}

	req := Request{
		RequestID:      ev.Str("request_id"),
		ConversationID: env.ConversationID,
		TurnID:         env.TurnID(),
		ItemID:         ev.ItemID(),
		Kind:           kind,
		ReceivedAt:     env.ReceivedAt,
	}
	if req.RequestID == "" {
		req.RequestID = req.ItemID
	}
	if req.RequestID == "" {
		return Request{}, fmt.Errorf("%w: approval request without id", event.ErrMalformed)
	}
	if err := json.Unmarshal(ev.Raw, &req.Detail); err != nil {
		return Request{}, fmt.Errorf("%w: approval detail: %v", event.ErrMalformed, err)
	}
	return req, nil
}

// Responder delivers a decision to the backend.
type Responder interface {
	RespondApproval(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error
}

// Queue is the FIFO of undecided requests. current is always the head.
type Queue struct {
	responder Responder

	mu       sync.Mutex
	items    []Request
	inflight map[string]bool
	resolved map[string]bool
	onChange func()
}

// New creates an empty Queue.
func New(responder Responder) *Queue {
	return &Queue{
		responder: responder,
		inflight:  make(map[string]bool),
		resolved:  make(map[string]bool),
	}
}

// OnChange registers a callback run after every mutation, outside the lock.
func (q *Queue) OnChange(fn func()) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Enqueue appends a request. Redeliveries of a pending or already decided
// request are ignored.
func (q *Queue) Enqueue(req Request) bool {
	q.mu.Lock()
	if q.resolved[req.RequestID] || q.indexLocked(req.RequestID) >= 0 {
		q.mu.Unlock()
		debug.LogKV("approval", "ignoring duplicate approval request", "request_id", req.RequestID)
		return false
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}
	q.items = append(q.items, req)
	q.notifyLocked()
	return true
}

// Current returns the oldest undecided request.
func (q *Queue) Current() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	return q.items[0], true
}

// Pending returns a snapshot of the queue in FIFO order.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Request(nil), q.items...)
}

// Len returns the number of undecided requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Decide sends exactly one backend call for requestID. The entry is removed
// on success and stays in place, retryable, on failure. Deciding an id that
// is unknown, already removed, or currently being decided is a no-op.
func (q *Queue) Decide(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	decision, err := protocol.ParseDecision(string(decision))
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.indexLocked(requestID) < 0 || q.inflight[requestID] {
		q.mu.Unlock()
		return nil
	}
	if q.responder == nil {
		q.mu.Unlock()
		return errors.New("approval: no backend attached")
	}
	q.inflight[requestID] = true
	q.mu.Unlock()

	err = q.responder.RespondApproval(ctx, requestID, decision)

	q.mu.Lock()
	delete(q.inflight, requestID)
	if err != nil {
		q.mu.Unlock()
		debug.LogKV("approval", "decision failed", "request_id", requestID, "decision", string(decision), "error", err)
		return fmt.Errorf("respond to approval %s: %w", requestID, err)
	}
	if i := q.indexLocked(requestID); i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
	}
	q.resolved[requestID] = true
	q.notifyLocked()
	return nil
}

// DropConversation removes every request of a conversation.
func (q *Queue) DropConversation(conversationID string) int {
	q.mu.Lock()
	kept := q.items[:0]
	n := 0
	for _, r := range q.items {
		if r.ConversationID == conversationID {
			n++
			continue
		}
		kept = append(kept, r)
	}
	q.items = kept
	if n == 0 {
		q.mu.Unlock()
		return 0
	}
	q.notifyLocked()
	return n
}

// Clear removes every request, e.g. after the backend exited.
func (q *Queue) Clear() {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.items = nil
	q.notifyLocked()
}

func (q *Queue) indexLocked(requestID string) int {
	for i, r := range q.items {
		if r.RequestID == requestID {
			return i
		}
	}
	return -1
}

func (q *Queue) notifyLocked() {
	fn := q.onChange
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}
