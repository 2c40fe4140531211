package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/store"
	"github.com/agusx1211/convsync/pkg/protocol"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentMessage struct {
	ConversationID  string
	Text            string
	ClientMessageID string
}

type fakeBackend struct {
	mu       sync.Mutex
	creates  atomic.Int32
	next     int
	gate     chan struct{}
	gone     map[string]bool
	sendErr  error
	sent     []sentMessage
	resumed  []string
	createFn func() error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{gone: make(map[string]bool)}
}

func (f *fakeBackend) CreateConversation(ctx context.Context, params protocol.NewConversationParams) (protocol.NewConversationResponse, error) {
	f.creates.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return protocol.NewConversationResponse{}, ctx.Err()
		}
	}
	if f.createFn != nil {
		if err := f.createFn(); err != nil {
			return protocol.NewConversationResponse{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return protocol.NewConversationResponse{
		ConversationID: fmt.Sprintf("conv-%d", f.next),
		Model:          "gpt-5",
		RolloutPath:    fmt.Sprintf("/rollouts/conv-%d.jsonl", f.next),
	}, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, conversationID string, items []protocol.InputItem, clientMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[conversationID] {
		return &backend.RPCError{Method: protocol.MethodSendUserMessage, Message: "conversation not found: " + conversationID}
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{ConversationID: conversationID, Text: items[0].Data.Text, ClientMessageID: clientMessageID})
	return nil
}

func (f *fakeBackend) InterruptTurn(ctx context.Context, conversationID, turnID string) error {
	return nil
}

func (f *fakeBackend) RespondApproval(ctx context.Context, requestID string, decision protocol.ApprovalDecision) error {
	return nil
}

func (f *fakeBackend) ListConversations(ctx context.Context, cursor string, limit int) (protocol.ListConversationsResponse, error) {
	return protocol.ListConversationsResponse{}, nil
}

func (f *fakeBackend) ResumeConversation(ctx context.Context, conversationID string) (protocol.ResumeConversationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, conversationID)
	return protocol.ResumeConversationResponse{ConversationID: conversationID, RolloutPath: "/rollouts/" + conversationID + ".jsonl"}, nil
}

func (f *fakeBackend) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingMarker struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMarker) BeginTurn(id string) {
	m.mu.Lock()
	m.events = append(m.events, "begin:"+id)
	m.mu.Unlock()
}

func (m *recordingMarker) AbandonTurn(id string) {
	m.mu.Lock()
	m.events = append(m.events, "abandon:"+id)
	m.mu.Unlock()
}

func TestEnsureConversationSingleFlight(t *testing.T) {
	fb := newFakeBackend()
	fb.gate = make(chan struct{})
	d := New(fb)

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = d.EnsureConversation(context.Background(), "/repo")
		}(i)
	}
	assert.Eventually(t, func() bool { return fb.creates.Load() == 1 }, timeout, tick)
	close(fb.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "conv-1", ids[i])
	}
	assert.Equal(t, int32(1), fb.creates.Load())
	assert.Equal(t, "conv-1", d.Active("/repo"))

	id, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
	assert.Equal(t, int32(1), fb.creates.Load())

	rec, ok := d.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "/repo", rec.ContextKey)
	assert.Equal(t, "/rollouts/conv-1.jsonl", rec.Path)
	assert.True(t, strings.HasPrefix(rec.Preview, "Chat - "))
}

func TestDifferentContextsCreateIndependently(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	a, err := d.EnsureConversation(context.Background(), "/a")
	require.NoError(t, err)
	b, err := d.EnsureConversation(context.Background(), "/b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, []string{"/a", "/b"}, d.Contexts())
}

func TestStartNewCollapsesDuplicates(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	first, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)

	fb.gate = make(chan struct{})
	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = d.StartNew(context.Background(), "/repo")
		}(i)
	}
	assert.Eventually(t, func() bool { return fb.creates.Load() == 2 }, timeout, tick)
	// Let the second caller join the in-flight creation.
	time.Sleep(50 * time.Millisecond)
	close(fb.gate)
	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
	assert.NotEqual(t, first, ids[0])
	assert.Equal(t, ids[0], d.Active("/repo"))
	assert.Len(t, d.List("/repo"), 2)
	assert.Equal(t, ids[0], d.List("/repo")[0].ConversationID, "newest first")
}

func TestCreationFailureIsShared(t *testing.T) {
	fb := newFakeBackend()
	boom := errors.New("model unavailable")
	fb.createFn = func() error { return boom }
	d := New(fb)

	_, err := d.EnsureConversation(context.Background(), "/repo")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, d.Active("/repo"))

	fb.createFn = nil
	id, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", id)
}

func TestCallerCancellationDoesNotAbortSharedCreate(t *testing.T) {
	fb := newFakeBackend()
	fb.gate = make(chan struct{})
	d := New(fb)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := d.EnsureConversation(ctx, "/repo")
		errs <- err
	}()
	assert.Eventually(t, func() bool { return fb.creates.Load() == 1 }, timeout, tick)
	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)

	close(fb.gate)
	assert.Eventually(t, func() bool { return d.Active("/repo") == "conv-1" }, timeout, tick)
}

func TestSendRecoversFromConversationNotFound(t *testing.T) {
	fb := newFakeBackend()
	marker := &recordingMarker{}
	d := New(fb, WithTurnMarker(marker))

	old, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	fb.mu.Lock()
	fb.gone[old] = true
	fb.mu.Unlock()

	res, err := d.Send(context.Background(), old, "fix the build")
	require.NoError(t, err)
	assert.True(t, res.Recreated)
	assert.Equal(t, "conv-2", res.ConversationID)
	assert.Equal(t, "conv-2", d.Active("/repo"))

	sent := fb.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "conv-2", sent[0].ConversationID)
	assert.Equal(t, "fix the build", sent[0].Text)
	assert.Equal(t, res.ClientMessageID, sent[0].ClientMessageID)

	marker.mu.Lock()
	assert.Equal(t, []string{"begin:" + old, "abandon:" + old, "begin:conv-2"}, marker.events)
	marker.mu.Unlock()

	_, ok := d.Get(old)
	assert.True(t, ok, "old record kept")
	assert.Empty(t, d.Draft("/repo"))
}

func TestConcurrentRecoveriesShareReplacement(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	old, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	fb.mu.Lock()
	fb.gone[old] = true
	fb.mu.Unlock()
	fb.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]SendResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.Send(context.Background(), old, fmt.Sprintf("msg %d", i))
		}(i)
	}
	assert.Eventually(t, func() bool { return fb.creates.Load() >= 2 }, timeout, tick)
	close(fb.gate)
	wg.Wait()

	assert.Equal(t, results[0].ConversationID, results[1].ConversationID)
	assert.Equal(t, int32(2), fb.creates.Load())
	assert.Len(t, fb.sentMessages(), 2)
}

func TestSendFailureRestoresDraft(t *testing.T) {
	fb := newFakeBackend()
	marker := &recordingMarker{}
	d := New(fb, WithTurnMarker(marker))
	id, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)

	fb.sendErr = &backend.TransportError{Op: protocol.MethodSendUserMessage, Cause: errors.New("broken pipe")}
	_, err = d.Send(context.Background(), id, "please retry me")
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "please retry me", sendErr.Text)
	assert.Equal(t, id, sendErr.ConversationID)
	assert.True(t, backend.IsTransport(err))
	assert.Equal(t, int32(1), fb.creates.Load(), "transport errors are not recovered")

	assert.Equal(t, "please retry me", d.Draft("/repo"))
	assert.Equal(t, "please retry me", d.TakeDraft("/repo"))
	assert.Empty(t, d.Draft("/repo"))

	marker.mu.Lock()
	assert.Equal(t, []string{"begin:" + id, "abandon:" + id}, marker.events)
	marker.mu.Unlock()
}

func TestRecoveryFailureRestoresDraft(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	old, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	fb.mu.Lock()
	fb.gone[old] = true
	fb.mu.Unlock()
	fb.createFn = func() error { return errors.New("quota exceeded") }

	_, err = d.Send(context.Background(), old, "hello")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "hello", d.Draft("/repo"))
	assert.Empty(t, fb.sentMessages())
}

func TestSendRejectsEmptyText(t *testing.T) {
	d := New(newFakeBackend())
	_, err := d.SendToContext(context.Background(), "/repo", "   \n")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendToContextCreatesOnDemand(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	res, err := d.SendToContext(context.Background(), "/repo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.False(t, res.Recreated)
	assert.NotEmpty(t, res.ClientMessageID)
}

func TestBackendExitReleasesCreation(t *testing.T) {
	fb := newFakeBackend()
	fb.gate = make(chan struct{})
	d := New(fb)

	errs := make(chan error, 1)
	go func() {
		_, err := d.EnsureConversation(context.Background(), "/repo")
		errs <- err
	}()
	assert.Eventually(t, func() bool { return fb.creates.Load() == 1 }, timeout, tick)

	d.HandleBackendExit()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, backend.ErrBackendExited)
	case <-time.After(timeout):
		t.Fatal("creation not released")
	}

	// The stale creation finishing later must not become active.
	close(fb.gate)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, d.Active("/repo"))

	id, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	assert.Equal(t, id, d.Active("/repo"))
	assert.Equal(t, int32(2), fb.creates.Load())
}

func TestPreviewAndPathUpdates(t *testing.T) {
	d := New(newFakeBackend())
	id, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)

	assert.True(t, d.UpdatePreview(id, "  \x1b[1mfix\x1b[0m the\n\tbuild  "))
	rec, _ := d.Get(id)
	assert.Equal(t, "fix the build", rec.Preview)
	assert.False(t, d.UpdatePreview(id, "fix the build"))
	assert.False(t, d.UpdatePreview(id, "   "))
	assert.False(t, d.UpdatePreview("nope", "x"))

	assert.True(t, d.UpdatePreview(id, strings.Repeat("a", 200)))
	rec, _ = d.Get(id)
	assert.LessOrEqual(t, len([]rune(rec.Preview)), PreviewWidth)
	assert.True(t, strings.HasSuffix(rec.Preview, "…"))

	assert.True(t, d.UpdatePath(id, "/new/path.jsonl"))
	assert.False(t, d.UpdatePath(id, "/new/path.jsonl"))
	rec, _ = d.Get(id)
	assert.Equal(t, "/new/path.jsonl", rec.Path)
}

func TestRemoveAndSetActive(t *testing.T) {
	d := New(newFakeBackend())
	a, _ := d.EnsureConversation(context.Background(), "/repo")
	b, _ := d.StartNew(context.Background(), "/repo")
	require.Equal(t, b, d.Active("/repo"))

	require.NoError(t, d.SetActive(a))
	assert.Equal(t, a, d.Active("/repo"))
	assert.ErrorIs(t, d.SetActive("missing"), ErrUnknownConversation)

	assert.True(t, d.Remove(a))
	assert.False(t, d.Remove(a))
	assert.Empty(t, d.Active("/repo"))
	list := d.List("/repo")
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].ConversationID)
}

func TestResumeActivatesConversation(t *testing.T) {
	fb := newFakeBackend()
	d := New(fb)
	resp, err := d.Resume(context.Background(), "stored-1", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "stored-1", resp.ConversationID)
	assert.Equal(t, "stored-1", d.Active("/repo"))
	rec, ok := d.Get("stored-1")
	require.True(t, ok)
	assert.Equal(t, "/rollouts/stored-1.jsonl", rec.Path)
}

func TestPersistenceRoundTrip(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Init())

	fb := newFakeBackend()
	d := New(fb, WithStore(s))
	a, err := d.EnsureConversation(context.Background(), "/repo")
	require.NoError(t, err)
	require.True(t, d.UpdatePreview(a, "first chat"))
	b, err := d.StartNew(context.Background(), "/repo")
	require.NoError(t, err)

	reloaded := New(fb, WithStore(s))
	require.NoError(t, reloaded.Load())
	assert.Equal(t, b, reloaded.Active("/repo"))
	list := reloaded.List("/repo")
	require.Len(t, list, 2)
	assert.Equal(t, b, list[0].ConversationID)
	assert.Equal(t, "first chat", list[1].Preview)
}
