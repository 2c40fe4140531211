package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/convsync/internal/event"
	"github.com/agusx1211/convsync/pkg/protocol"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// pipeConn is an in-memory Conn. The test plays the server through
// toServer and toClient.
type pipeConn struct {
	toServer chan []byte
	toClient chan []byte

	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toServer: make(chan []byte, 64),
		toClient: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.toClient:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.toServer <- append([]byte(nil), data...)
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type wireMsg struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

func (p *pipeConn) next(t *testing.T) wireMsg {
	t.Helper()
	select {
	case data := <-p.toServer:
		var m wireMsg
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for client message")
		return wireMsg{}
	}
}

func (p *pipeConn) reply(t *testing.T, id json.RawMessage, result any) {
	t.Helper()
	data, err := newResponse(id, result)
	require.NoError(t, err)
	p.toClient <- data
}

func (p *pipeConn) replyError(t *testing.T, id json.RawMessage, code int, msg string) {
	t.Helper()
	data, err := newErrorResponse(id, code, msg)
	require.NoError(t, err)
	p.toClient <- data
}

// serve answers the handshake so Start can return.
func (p *pipeConn) serveHandshake(t *testing.T) {
	t.Helper()
	init := p.next(t)
	require.Equal(t, protocol.MethodInitialize, init.Method)
	p.reply(t, init.ID, protocol.InitializeResponse{UserAgent: "test-server/1.0"})
	ack := p.next(t)
	require.Equal(t, methodInitialized, ack.Method)
}

func startClient(t *testing.T, opts ...ClientOption) (*Client, *pipeConn) {
	t.Helper()
	conn := newPipeConn()
	c := NewClient(conn, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.serveHandshake(t)
	}()
	resp, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-server/1.0", resp.UserAgent)
	<-done
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func TestCreateConversationSubscribes(t *testing.T) {
	c, conn := startClient(t)

	type result struct {
		resp protocol.NewConversationResponse
		err  error
	}
	out := make(chan result, 1)
	go func() {
		resp, err := c.CreateConversation(context.Background(), protocol.NewConversationParams{Cwd: "/repo", Model: "gpt-5"})
		out <- result{resp, err}
	}()

	create := conn.next(t)
	assert.Equal(t, protocol.MethodNewConversation, create.Method)
	assert.JSONEq(t, `{"cwd":"/repo","model":"gpt-5"}`, string(create.Params))
	conn.reply(t, create.ID, protocol.NewConversationResponse{ConversationID: "c1", Model: "gpt-5", RolloutPath: "/r/c1.jsonl"})

	listen := conn.next(t)
	assert.Equal(t, protocol.MethodAddConversationListener, listen.Method)
	assert.JSONEq(t, `{"conversationId":"c1"}`, string(listen.Params))
	conn.reply(t, listen.ID, map[string]string{"subscriptionId": "s1"})

	res := <-out
	require.NoError(t, res.err)
	assert.Equal(t, "c1", res.resp.ConversationID)
	assert.Equal(t, "/r/c1.jsonl", res.resp.RolloutPath)
}

func TestRPCErrorMapsToSentinels(t *testing.T) {
	c, conn := startClient(t)

	errs := make(chan error, 1)
	go func() {
		errs <- c.SendMessage(context.Background(), "gone", []protocol.InputItem{protocol.TextItem("hi")}, "m1")
	}()
	req := conn.next(t)
	assert.Equal(t, protocol.MethodSendUserMessage, req.Method)
	conn.replyError(t, req.ID, ErrCodeInvalidRequest, "conversation not found: gone")

	err := <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, protocol.MethodSendUserMessage, rpcErr.Method)
	assert.False(t, IsTransport(err))

	go func() {
		errs <- c.InterruptTurn(context.Background(), "c1", "t1")
	}()
	req = conn.next(t)
	conn.replyError(t, req.ID, ErrCodeInternalError, "no active turn to interrupt")
	assert.ErrorIs(t, <-errs, ErrTurnNotFound)
}

func TestNotificationsForwardedInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	c, conn := startClient(t, WithNotificationHandler(func(data []byte) {
		env, err := event.DecodeNotification(data)
		if err != nil {
			return
		}
		mu.Lock()
		got = append(got, env.Event.Type)
		mu.Unlock()
	}))
	_ = c

	conn.toClient <- []byte(`{"method":"codex/event/task_started","params":{"conversationId":"c1","id":"t1","msg":{"type":"task_started"}}}`)
	conn.toClient <- []byte(`{"method":"codex/event/exec_approval_request","params":{"conversationId":"c1","id":"t1","msg":{"type":"exec_approval_request","call_id":"x"}}}`)
	conn.toClient <- []byte(`{"method":"authStatusChange","params":{}}`)
	conn.toClient <- []byte(`not json`)
	conn.toClient <- []byte(`{"method":"codex/event/agent_message_delta","params":{"conversationId":"c1","id":"t1","msg":{"type":"agent_message_delta","delta":"He"}}}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, timeout, tick)
	mu.Lock()
	assert.Equal(t, []string{"task_started", "agent_message_delta"}, got)
	mu.Unlock()
}

func TestLegacyApprovalRequestRoundTrip(t *testing.T) {
	envs := make(chan event.Envelope, 4)
	c, conn := startClient(t, WithNotificationHandler(func(data []byte) {
		env, err := event.DecodeNotification(data)
		if err == nil {
			envs <- env
		}
	}))

	conn.toClient <- []byte(`{"jsonrpc":"2.0","id":7,"method":"execCommandApproval","params":{"conversationId":"c1","callId":"call-1","command":["rm","-rf","build"],"cwd":"/repo","reason":"cleanup"}}`)

	var env event.Envelope
	select {
	case env = <-envs:
	case <-time.After(timeout):
		t.Fatal("approval event not delivered")
	}
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, event.TypeExecApprovalRequest, env.Event.Type)
	assert.Equal(t, "7", env.Event.Str("request_id"))
	assert.Equal(t, "call-1", env.Event.ItemID())
	argv, err := event.Decode[[]string](env.Event, "command")
	require.NoError(t, err)
	assert.Equal(t, []string{"rm", "-rf", "build"}, argv)

	require.NoError(t, c.RespondApproval(context.Background(), "7", protocol.DecisionDecline))
	resp := conn.next(t)
	assert.Equal(t, "7", string(resp.ID))
	assert.JSONEq(t, `{"decision":"denied"}`, string(resp.Result))

	err = c.RespondApproval(context.Background(), "7", protocol.DecisionAccept)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestItemApprovalUsesItemVocabulary(t *testing.T) {
	envs := make(chan event.Envelope, 4)
	c, conn := startClient(t, WithNotificationHandler(func(data []byte) {
		env, err := event.DecodeNotification(data)
		if err == nil {
			envs <- env
		}
	}))

	conn.toClient <- []byte(`{"jsonrpc":"2.0","id":"srv-1","method":"item/commandExecution/requestApproval","params":{"threadId":"c2","turnId":"t9","itemId":"item-3","command":"make test","cwd":"/w"}}`)

	var env event.Envelope
	select {
	case env = <-envs:
	case <-time.After(timeout):
		t.Fatal("approval event not delivered")
	}
	assert.Equal(t, "c2", env.ConversationID)
	assert.Equal(t, "t9", env.TurnID())
	assert.Equal(t, "srv-1", env.Event.Str("request_id"))
	argv, err := event.Decode[[]string](env.Event, "command")
	require.NoError(t, err)
	assert.Equal(t, []string{"make test"}, argv)

	require.NoError(t, c.RespondApproval(context.Background(), "srv-1", protocol.DecisionAbort))
	resp := conn.next(t)
	assert.Equal(t, `"srv-1"`, string(resp.ID))
	assert.JSONEq(t, `{"decision":"cancel"}`, string(resp.Result))
}

func TestUnsupportedServerRequestRejected(t *testing.T) {
	_, conn := startClient(t)
	conn.toClient <- []byte(`{"jsonrpc":"2.0","id":3,"method":"fs/readFile","params":{}}`)

	var resp struct {
		ID    json.RawMessage `json:"id"`
		Error *rpcError       `json:"error"`
	}
	select {
	case data := <-conn.toServer:
		require.NoError(t, json.Unmarshal(data, &resp))
	case <-time.After(timeout):
		t.Fatal("no error response")
	}
	assert.Equal(t, "3", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestBackendExitFailsPendingCalls(t *testing.T) {
	var exits sync.WaitGroup
	exits.Add(1)
	var exitCount int
	var mu sync.Mutex
	c, conn := startClient(t, WithExitHandler(func(err error) {
		mu.Lock()
		exitCount++
		mu.Unlock()
		exits.Done()
	}))

	errs := make(chan error, 1)
	go func() {
		_, err := c.ListConversations(context.Background(), "", 20)
		errs <- err
	}()
	conn.next(t)
	require.NoError(t, conn.Close())

	err := <-errs
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendExited)
	assert.True(t, IsTransport(err))
	exits.Wait()

	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrBackendExited)
	err = c.SendMessage(context.Background(), "c1", nil, "m")
	assert.ErrorIs(t, err, ErrBackendExited)

	require.NoError(t, c.Close())
	mu.Lock()
	assert.Equal(t, 1, exitCount)
	mu.Unlock()
}

func TestCloseDoesNotReportExit(t *testing.T) {
	called := make(chan struct{}, 1)
	c, _ := startClient(t, WithExitHandler(func(error) { called <- struct{}{} }))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Err(), ErrClosed)
	select {
	case <-called:
		t.Fatal("exit handler called on local close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestTimeout(t *testing.T) {
	c, conn := startClient(t, WithRequestTimeout(30*time.Millisecond))
	err := c.InterruptTurn(context.Background(), "c1", "")
	conn.next(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransport(err))
}

func TestWebsocketTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var m wireMsg
			if json.Unmarshal(data, &m) != nil || len(m.ID) == 0 {
				continue
			}
			var out []byte
			switch m.Method {
			case protocol.MethodInitialize:
				out, _ = newResponse(m.ID, protocol.InitializeResponse{UserAgent: "ws-server"})
			case protocol.MethodListConversations:
				out, _ = newResponse(m.ID, protocol.ListConversationsResponse{
					Items: []protocol.ConversationSummary{{ConversationID: "c1", Preview: "hello"}},
				})
			default:
				out, _ = newErrorResponse(m.ID, ErrCodeMethodNotFound, "unknown")
			}
			if err := ws.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	conn, err := DialWS(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	c := NewClient(conn)
	defer c.Close()
	resp, err := c.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-server", resp.UserAgent)

	page, err := c.ListConversations(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hello", page.Items[0].Preview)

	_, err = c.ResumeConversation(ctx, "c1")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)
}
