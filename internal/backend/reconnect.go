package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// Dialer connects and starts a new Client. The client must report its exit
// through onExit (see WithExitHandler).
type Dialer func(ctx context.Context, onExit func(error)) (*Client, error)

// Reconnector is a Backend that owns one live Client at a time. After the
// client exits, the next call dials a replacement, so a restarted
// app-server is reached again and stale conversation ids surface as
// ErrConversationNotFound.
type Reconnector struct {
	dial   Dialer
	onExit func(error)

	mu     sync.Mutex
	cur    *dialed
	closed bool
	dials  int
	// listening holds conversations subscribed on earlier clients; a new
	// client subscribes to them again.
	listening map[string]bool
}

// dialed is one client and whether its exit has been reported.
type dialed struct {
	client *Client
	gone   atomic.Bool
}

var _ Backend = (*Reconnector)(nil)

// NewReconnector returns a Reconnector that calls onExit (which may be nil)
// every time the current client's connection ends.
func NewReconnector(dial Dialer, onExit func(error)) *Reconnector {
	return &Reconnector{dial: dial, onExit: onExit, listening: make(map[string]bool)}
}

// Connect makes sure a live client exists.
func (r *Reconnector) Connect(ctx context.Context) error {
	_, err := r.ready(ctx)
	return err
}

// Dials returns how many clients have been dialed.
func (r *Reconnector) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *Reconnector) ready(ctx context.Context) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &TransportError{Op: "connect", Cause: ErrClosed}
	}
	if r.cur != nil {
		if !r.cur.gone.Load() {
			return r.cur.client, nil
		}
		_ = r.cur.client.Close()
		r.cur = nil
		debug.LogKV("backend", "reconnecting after exit", "dials", r.dials)
	}

	// The exit callback runs on the client's read loop and must not take
	// r.mu: dial may be holding it while the client shuts down.
	d := &dialed{}
	c, err := r.dial(ctx, func(reason error) {
		if r.onExit != nil {
			r.onExit(reason)
		}
		d.gone.Store(true)
	})
	r.dials++
	if err != nil {
		return nil, &TransportError{Op: "connect", Cause: err}
	}
	d.client = c
	r.cur = d
	r.resubscribeLocked(ctx, c)
	return c, nil
}

func (r *Reconnector) resubscribeLocked(ctx context.Context, c *Client) {
	for id := range r.listening {
		err := c.addListener(ctx, id)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConversationNotFound) {
			delete(r.listening, id)
		}
		debug.LogKV("backend", "resubscribe failed", "conversation_id", id, "error", err)
	}
}

func (r *Reconnector) listen(conversationID string) {
	if conversationID == "" {
		return
	}
	r.mu.Lock()
	r.listening[conversationID] = true
	r.mu.Unlock()
}

// Close closes the current client. Later calls fail with ErrClosed.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	cur := r.cur
	r.closed, r.cur = true, nil
	r.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.client.Close()
}

func (r *Reconnector) CreateConversation(ctx context.Context, params protocol.NewConversationParams) (protocol.NewConversationResponse, error) {
	c, err := r.ready(ctx)
	if err != nil {
		return protocol.NewConversationResponse{}, err
	}
	resp, err := c.CreateConversation(ctx, params)
	if err == nil {
		r.listen(resp.ConversationID)
	}
	return resp, err
}

func (r *Reconnector) SendMessage(ctx context.Context, conversationID string, items []protocol.InputItem, clientMessageID string) error {
	c, err := r.ready(ctx)
	if err != nil {
		return err
	}
	return c.SendMessage(ctx, conversationID, items, clientMessageID)
}

func (r *Reconnector) InterruptTurn(ctx context.Context, conversationID, turnID string) error {
	c, err := r.ready(ctx)
	if err != nil {
		return err
	}
	return c.InterruptTurn(ctx, conversationID, turnID)
}

func (r *Reconnector) RespondApproval(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	c, err := r.ready(ctx)
	if err != nil {
		return err
	}
	return c.RespondApproval(ctx, requestID, decision)
}

func (r *Reconnector) ListConversations(ctx context.Context, cursor string, limit int) (protocol.ListConversationsResponse, error) {
	c, err := r.ready(ctx)
	if err != nil {
		return protocol.ListConversationsResponse{}, err
	}
	return c.ListConversations(ctx, cursor, limit)
}

func (r *Reconnector) ResumeConversation(ctx context.Context, conversationID string) (protocol.ResumeConversationResponse, error) {
	c, err := r.ready(ctx)
	if err != nil {
		return protocol.ResumeConversationResponse{}, err
	}
	resp, err := c.ResumeConversation(ctx, conversationID)
	if err == nil {
		id := resp.ConversationID
		if id == "" {
			id = conversationID
		}
		r.listen(id)
	}
	return resp, err
}
