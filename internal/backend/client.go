package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// DefaultRequestTimeout bounds every outbound call unless overridden.
const DefaultRequestTimeout = 60 * time.Second

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithNotificationHandler receives every event notification as raw bytes,
// in arrival order, on the read goroutine.
func WithNotificationHandler(fn func([]byte)) ClientOption {
	return func(c *Client) { c.onNotify = fn }
}

// WithExitHandler is called once when the connection ends for any reason
// other than Close.
func WithExitHandler(fn func(error)) ClientOption {
	return func(c *Client) { c.onExit = fn }
}

// WithRequestTimeout overrides DefaultRequestTimeout. Zero disables it.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientInfo sets the identity sent during initialize.
func WithClientInfo(info protocol.ClientInfo) ClientOption {
	return func(c *Client) { c.info = info }
}

type serverRequest struct {
	id     json.RawMessage
	method string
}

// Client is a JSON-RPC client for the app-server. It implements Backend.
type Client struct {
	conn     Conn
	info     protocol.ClientInfo
	timeout  time.Duration
	onNotify func([]byte)
	onExit   func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    map[string]chan rpcResult
	serverReqs map[string]serverRequest
	started    bool
	closing    bool
	exitErr    error

	done     chan struct{}
	exitOnce sync.Once
	readWg   sync.WaitGroup
}

var _ Backend = (*Client)(nil)

// NewClient wraps conn. Call Start before issuing requests.
func NewClient(conn Conn, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		info:       protocol.ClientInfo{Name: "convsync", Version: "dev"},
		timeout:    DefaultRequestTimeout,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]chan rpcResult),
		serverReqs: make(map[string]serverRequest),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the read loop and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) (protocol.InitializeResponse, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return protocol.InitializeResponse{}, errors.New("client already started")
	}
	c.started = true
	c.mu.Unlock()

	c.readWg.Add(1)
	go c.readLoop()

	var resp protocol.InitializeResponse
	if err := c.call(ctx, protocol.MethodInitialize, protocol.InitializeParams{ClientInfo: c.info}, &resp); err != nil {
		return resp, fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(ctx, methodInitialized, nil); err != nil {
		return resp, fmt.Errorf("initialized: %w", err)
	}
	debug.LogKV("backend", "handshake complete", "user_agent", resp.UserAgent)
	return resp, nil
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()
	c.finish(ErrClosed)
	c.readWg.Wait()
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is alive.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// CreateConversation creates a conversation and subscribes to its events.
func (c *Client) CreateConversation(ctx context.Context, params protocol.NewConversationParams) (protocol.NewConversationResponse, error) {
	var resp protocol.NewConversationResponse
	if err := c.call(ctx, protocol.MethodNewConversation, params, &resp); err != nil {
		return resp, err
	}
	if err := c.addListener(ctx, resp.ConversationID); err != nil {
		return resp, err
	}
	return resp, nil
}

// SendMessage starts a turn.
func (c *Client) SendMessage(ctx context.Context, conversationID string, items []protocol.InputItem, clientMessageID string) error {
	return c.call(ctx, protocol.MethodSendUserMessage, protocol.SendUserMessageParams{
		ConversationID:  conversationID,
		Items:           items,
		ClientMessageID: clientMessageID,
	}, nil)
}

// InterruptTurn aborts the running turn of a conversation.
func (c *Client) InterruptTurn(ctx context.Context, conversationID, turnID string) error {
	return c.call(ctx, protocol.MethodInterruptConversation, protocol.InterruptConversationParams{
		ConversationID: conversationID,
		TurnID:         turnID,
	}, nil)
}

// ListConversations returns one page of stored conversations.
func (c *Client) ListConversations(ctx context.Context, cursor string, limit int) (protocol.ListConversationsResponse, error) {
	var resp protocol.ListConversationsResponse
	err := c.call(ctx, protocol.MethodListConversations, protocol.ListConversationsParams{PageSize: limit, Cursor: cursor}, &resp)
	return resp, err
}

// ResumeConversation reopens a stored conversation and subscribes to it.
func (c *Client) ResumeConversation(ctx context.Context, conversationID string) (protocol.ResumeConversationResponse, error) {
	var resp protocol.ResumeConversationResponse
	if err := c.call(ctx, protocol.MethodResumeConversation, protocol.ResumeConversationParams{ConversationID: conversationID}, &resp); err != nil {
		return resp, err
	}
	id := resp.ConversationID
	if id == "" {
		id = conversationID
	}
	if err := c.addListener(ctx, id); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) addListener(ctx context.Context, conversationID string) error {
	return c.call(ctx, protocol.MethodAddConversationListener, protocol.AddConversationListenerParams{ConversationID: conversationID}, nil)
}

// RespondApproval answers a server approval request. requestID is the id
// carried in the synthesized approval event.
func (c *Client) RespondApproval(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	c.mu.Lock()
	req, ok := c.serverReqs[requestID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	wire := decision.LegacyWire()
	if req.method == protocol.MethodCommandExecutionApproval || req.method == protocol.MethodFileChangeApproval {
		wire = decision.ItemWire()
	}
	data, err := newResponse(req.id, protocol.ApprovalResponse{Decision: wire})
	if err != nil {
		return err
	}
	if err := c.write(ctx, req.method, data); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.serverReqs, requestID)
	c.mu.Unlock()
	debug.LogKV("backend", "approval answered", "request_id", requestID, "method", req.method, "decision", wire)
	return nil
}

// call sends a request and decodes the result into out (when non-nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id, data, err := newRequest(method, params)
	if err != nil {
		return fmt.Errorf("%s: encoding params: %w", method, err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.exitErr != nil {
		exitErr := c.exitErr
		c.mu.Unlock()
		return &TransportError{Op: method, Cause: exitErr}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, method, data); err != nil {
		c.forget(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			var rpcErr *RPCError
			if errors.As(res.err, &rpcErr) {
				rpcErr.Method = method
			}
			return res.err
		}
		if out != nil && len(res.result) > 0 && !bytes.Equal(res.result, []byte("null")) {
			if err := json.Unmarshal(res.result, out); err != nil {
				return &ProtocolError{Message: method + ": decoding result", Cause: err, Line: string(res.result)}
			}
		}
		return nil
	case <-c.done:
		c.forget(id)
		return &TransportError{Op: method, Cause: c.Err()}
	case <-ctx.Done():
		c.forget(id)
		return &TransportError{Op: method, Cause: ctx.Err()}
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.write(ctx, method, data)
}

func (c *Client) write(ctx context.Context, op string, data []byte) error {
	select {
	case <-c.done:
		return &TransportError{Op: op, Cause: c.Err()}
	default:
	}
	if err := c.conn.WriteMessage(ctx, data); err != nil {
		return &TransportError{Op: op, Cause: err}
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.readWg.Done()
	for {
		data, err := c.conn.ReadMessage(c.ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				c.finish(ErrClosed)
				return
			}
			debug.LogKV("backend", "connection ended", "error", err)
			c.finish(fmt.Errorf("%w: %v", ErrBackendExited, err))
			return
		}
		c.handleMessage(data)
	}
}

// finish records why the connection ended and releases everything waiting
// on it. Only the first call has an effect.
func (c *Client) finish(reason error) {
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.exitErr = reason
		c.pending = make(map[string]chan rpcResult)
		c.serverReqs = make(map[string]serverRequest)
		closing := c.closing
		c.mu.Unlock()
		close(c.done)
		if !closing && c.onExit != nil {
			c.onExit(reason)
		}
	})
}

func (c *Client) handleMessage(data []byte) {
	var base struct {
		ID     json.RawMessage `json:"id,omitempty"`
		Method string          `json:"method,omitempty"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		debug.LogKV("backend", "unparseable message", "error", err, "bytes", len(data))
		return
	}
	hasID := len(base.ID) > 0 && !bytes.Equal(base.ID, []byte("null"))
	switch {
	case base.Method != "" && hasID:
		c.handleServerRequest(base.ID, base.Method, data)
	case hasID:
		c.handleResponse(base.ID, data)
	case base.Method != "":
		c.handleNotification(base.Method, data)
	}
}

func (c *Client) handleResponse(id json.RawMessage, data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		debug.LogKV("backend", "unparseable response", "error", err)
		return
	}
	key := idKey(id)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		debug.LogKV("backend", "response for unknown request", "id", key)
		return
	}
	res := rpcResult{result: resp.Result}
	if resp.Error != nil {
		res.err = &RPCError{Message: resp.Error.Message, Code: resp.Error.Code}
	}
	ch <- res
}

func (c *Client) handleNotification(method string, data []byte) {
	if !strings.HasPrefix(method, protocol.EventMethodPrefix+"/") {
		debug.LogKV("backend", "ignoring notification", "method", method)
		return
	}
	// Approval events also arrive as server requests, which carry the id
	// needed to answer them.
	suffix := strings.TrimPrefix(method, protocol.EventMethodPrefix+"/")
	if event.IsApprovalRequest(suffix) {
		return
	}
	if c.onNotify != nil {
		c.onNotify(data)
	}
}

// handleServerRequest turns an approval request into an approval event
// notification, remembering the rpc id for RespondApproval.
func (c *Client) handleServerRequest(id json.RawMessage, method string, data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		debug.LogKV("backend", "unparseable server request", "method", method, "error", err)
		return
	}
	env, err := approvalEnvelope(method, idKey(id), req.Params)
	if err == nil && env.ConversationID == "" {
		err = errors.New("approval request without conversation id")
	}
	if err != nil {
		debug.LogKV("backend", "rejecting server request", "method", method, "error", err)
		code := ErrCodeInvalidParams
		if errors.Is(err, errUnsupportedMethod) {
			code = ErrCodeMethodNotFound
		}
		if resp, rerr := newErrorResponse(id, code, err.Error()); rerr == nil {
			_ = c.write(c.ctx, method, resp)
		}
		return
	}
	out, err := env.Encode()
	if err != nil {
		debug.LogKV("backend", "encoding approval event failed", "error", err)
		return
	}

	c.mu.Lock()
	c.serverReqs[idKey(id)] = serverRequest{id: append(json.RawMessage(nil), id...), method: method}
	c.mu.Unlock()
	if c.onNotify != nil {
		c.onNotify(out)
	}
}

var errUnsupportedMethod = errors.New("unsupported method")

func approvalEnvelope(method, requestID string, params json.RawMessage) (event.Envelope, error) {
	switch method {
	case protocol.MethodExecCommandApproval:
		var p protocol.ExecCommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return event.Envelope{}, err
		}
		return event.Envelope{
			ConversationID: p.ConversationID,
			Event: event.New(event.TypeExecApprovalRequest, map[string]any{
				"call_id":    p.CallID,
				"request_id": requestID,
				"command":    p.Command,
				"cwd":        p.Cwd,
				"reason":     p.Reason,
			}),
		}, nil
	case protocol.MethodApplyPatchApproval:
		var p protocol.ApplyPatchApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return event.Envelope{}, err
		}
		return event.Envelope{
			ConversationID: p.ConversationID,
			Event: event.New(event.TypeApplyPatchApprovalReq, map[string]any{
				"call_id":    p.CallID,
				"request_id": requestID,
				"changes":    p.FileChanges,
				"reason":     p.Reason,
				"grant_root": p.GrantRoot,
			}),
		}, nil
	case protocol.MethodCommandExecutionApproval, protocol.MethodFileChangeApproval:
		var p protocol.ItemApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return event.Envelope{}, err
		}
		fields := map[string]any{
			"call_id":    p.ItemID,
			"request_id": requestID,
			"turn_id":    p.TurnID,
			"reason":     p.Reason,
		}
		typ := event.TypeApplyPatchApprovalReq
		if method == protocol.MethodCommandExecutionApproval {
			typ = event.TypeExecApprovalRequest
			fields["command"] = commandArgv(p.Command)
			fields["cwd"] = p.Cwd
			fields["proposed_execpolicy_amendment"] = p.ProposedExecpolicyAmendment
		} else {
			fields["grant_root"] = p.GrantRoot
		}
		return event.Envelope{ConversationID: p.ThreadID, ID: p.TurnID, Event: event.New(typ, fields)}, nil
	}
	return event.Envelope{}, fmt.Errorf("%w: %s", errUnsupportedMethod, method)
}

// commandArgv accepts a command as an argv array or a single shell string.
func commandArgv(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var argv []string
	if err := json.Unmarshal(raw, &argv); err == nil {
		return argv
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}
