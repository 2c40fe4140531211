// Package directory owns conversation identity: it creates conversations
// with single-flight de-duplication, indexes them by context key, and
// recovers sends whose conversation vanished from the backend.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agusx1211/convsync/internal/backend"
	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/store"
	"github.com/agusx1211/convsync/pkg/protocol"
)

// PreviewWidth is the maximum display width of a record preview.
const PreviewWidth = 80

var (
	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrUnknownConversation is returned for ids the directory never saw.
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Record is the locally known identity of one conversation.
type Record = store.ConversationRecord

// TurnMarker is told when a send starts a turn and when that send failed.
type TurnMarker interface {
	BeginTurn(conversationID string)
	AbandonTurn(conversationID string)
}

// ParamsFunc builds creation params for a context key.
type ParamsFunc func(contextKey string) protocol.NewConversationParams

// SendResult describes a delivered message.
type SendResult struct {
	ConversationID  string
	ClientMessageID string
	// Recreated is set when the original conversation was gone and the
	// message went to a replacement.
	Recreated bool
}

// SendError is returned when a message could not be delivered. Text is the
// original message, also kept as the context's draft.
type SendError struct {
	ContextKey     string
	ConversationID string
	Text           string
	Err            error
}

func (e *SendError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("send failed: %v", e.Err)
	}
	return fmt.Sprintf("send to %s failed: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Option configures a Directory.
type Option func(*Directory)

// WithStore persists the index after every mutation.
func WithStore(s *store.Store) Option {
	return func(d *Directory) { d.store = s }
}

// WithTurnMarker reports turn starts to m.
func WithTurnMarker(m TurnMarker) Option {
	return func(d *Directory) { d.turns = m }
}

// WithParams sets the creation params builder.
func WithParams(fn ParamsFunc) Option {
	return func(d *Directory) { d.params = fn }
}

// Directory is the single owner of ConversationRecords.
type Directory struct {
	backend backend.Backend
	params  ParamsFunc
	turns   TurnMarker
	store   *store.Store

	mu        sync.RWMutex
	byID      map[string]*Record
	byContext map[string][]string
	active    map[string]string
	drafts    map[string]string
	group     *singleflight.Group
	exited    chan struct{}
	gen       uint64

	persistMu sync.Mutex
}

// New creates an empty Directory.
func New(b backend.Backend, opts ...Option) *Directory {
	d := &Directory{
		backend:   b,
		byID:      make(map[string]*Record),
		byContext: make(map[string][]string),
		active:    make(map[string]string),
		drafts:    make(map[string]string),
		group:     &singleflight.Group{},
		exited:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.params == nil {
		d.params = func(contextKey string) protocol.NewConversationParams {
			return protocol.NewConversationParams{Cwd: contextKey}
		}
	}
	return d
}

// Load fills the directory from the attached store.
func (d *Directory) Load() error {
	if d.store == nil {
		return nil
	}
	idx, err := d.store.LoadIndex()
	if err != nil {
		return fmt.Errorf("loading conversation index: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, recs := range idx.Contexts {
		ids := make([]string, 0, len(recs))
		for i := range recs {
			rec := recs[i]
			rec.ContextKey = key
			d.byID[rec.ConversationID] = &rec
			ids = append(ids, rec.ConversationID)
		}
		d.byContext[key] = ids
	}
	for key, id := range idx.Active {
		if _, ok := d.byID[id]; ok {
			d.active[key] = id
		}
	}
	return nil
}

// EnsureConversation returns the active conversation of contextKey,
// creating one if needed. Concurrent callers for the same key share one
// backend create call.
func (d *Directory) EnsureConversation(ctx context.Context, contextKey string) (string, error) {
	d.mu.RLock()
	id := d.active[contextKey]
	d.mu.RUnlock()
	if id != "" {
		return id, nil
	}
	return d.create(ctx, contextKey)
}

// StartNew makes the next EnsureConversation for contextKey create a fresh
// conversation and returns it. Rapid duplicate calls collapse to one.
func (d *Directory) StartNew(ctx context.Context, contextKey string) (string, error) {
	d.mu.Lock()
	delete(d.active, contextKey)
	d.mu.Unlock()
	return d.create(ctx, contextKey)
}

func (d *Directory) create(ctx context.Context, contextKey string) (string, error) {
	d.mu.RLock()
	group, exited, gen := d.group, d.exited, d.gen
	d.mu.RUnlock()

	// The shared call must outlive any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := group.DoChan(contextKey, func() (any, error) {
		return d.doCreate(shared, contextKey, gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			debug.LogKV("directory", "joined in-flight creation", "context_key", contextKey)
		}
		return res.Val.(string), nil
	case <-exited:
		return "", fmt.Errorf("create conversation for %s: %w", contextKey, backend.ErrBackendExited)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *Directory) doCreate(ctx context.Context, contextKey string, gen uint64) (string, error) {
	d.mu.RLock()
	id := d.active[contextKey]
	d.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	params := d.params(contextKey)
	if params.Cwd == "" {
		params.Cwd = contextKey
	}
	debug.LogKV("directory", "creating conversation", "context_key", contextKey, "model", params.Model)
	resp, err := d.backend.CreateConversation(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create conversation for %s: %w", contextKey, err)
	}
	if resp.ConversationID == "" {
		return "", fmt.Errorf("create conversation for %s: backend returned no id", contextKey)
	}

	now := time.Now().UTC()
	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		debug.LogKV("directory", "discarding creation from exited backend", "conversation_id", resp.ConversationID)
		return "", fmt.Errorf("create conversation for %s: %w", contextKey, backend.ErrBackendExited)
	}
	d.insertLocked(Record{
		ConversationID: resp.ConversationID,
		Preview:        "Chat - " + now.Local().Format("2006-01-02 15:04"),
		Path:           resp.RolloutPath,
		ContextKey:     contextKey,
		Model:          resp.Model,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	d.active[contextKey] = resp.ConversationID
	d.mu.Unlock()

	d.persist()
	return resp.ConversationID, nil
}

// SendToContext ensures a conversation for contextKey and sends text to it.
func (d *Directory) SendToContext(ctx context.Context, contextKey, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{}, ErrEmptyMessage
	}
	id, err := d.EnsureConversation(ctx, contextKey)
	if err != nil {
		return SendResult{}, d.fail(contextKey, "", text, err)
	}
	return d.Send(ctx, id, text)
}

// Send delivers text as a new turn. When the backend reports the
// conversation gone, a replacement is created under the same context key
// and the text is resent once with a new client message id. On final
// failure the text is kept as the context's draft and returned in a
// *SendError.
func (d *Directory) Send(ctx context.Context, conversationID, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{}, ErrEmptyMessage
	}
	rec, known := d.Get(conversationID)
	contextKey := rec.ContextKey

	res, err := d.deliver(ctx, conversationID, text)
	if err == nil {
		d.clearDraft(contextKey)
		return res, nil
	}
	if !known || !errors.Is(err, backend.ErrConversationNotFound) {
		return SendResult{}, d.fail(contextKey, conversationID, text, err)
	}

	debug.LogKV("directory", "conversation vanished, recreating", "conversation_id", conversationID, "context_key", contextKey)
	d.mu.Lock()
	if d.active[contextKey] == conversationID {
		delete(d.active, contextKey)
	}
	d.mu.Unlock()

	newID, err := d.create(ctx, contextKey)
	if err != nil {
		return SendResult{}, d.fail(contextKey, conversationID, text, err)
	}
	res, err = d.deliver(ctx, newID, text)
	if err != nil {
		return SendResult{}, d.fail(contextKey, newID, text, err)
	}
	res.Recreated = true
	d.clearDraft(contextKey)
	return res, nil
}

func (d *Directory) deliver(ctx context.Context, conversationID, text string) (SendResult, error) {
	msgID := uuid.NewString()
	if d.turns != nil {
		d.turns.BeginTurn(conversationID)
	}
	err := d.backend.SendMessage(ctx, conversationID, []protocol.InputItem{protocol.TextItem(text)}, msgID)
	if err != nil {
		if d.turns != nil {
			d.turns.AbandonTurn(conversationID)
		}
		return SendResult{}, err
	}
	return SendResult{ConversationID: conversationID, ClientMessageID: msgID}, nil
}

func (d *Directory) fail(contextKey, conversationID, text string, err error) error {
	d.mu.Lock()
	d.drafts[contextKey] = text
	d.mu.Unlock()
	debug.LogKV("directory", "send failed, draft restored", "conversation_id", conversationID, "context_key", contextKey, "error", err)
	return &SendError{ContextKey: contextKey, ConversationID: conversationID, Text: text, Err: err}
}

// Draft returns the unsent text of a context, if any.
func (d *Directory) Draft(contextKey string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.drafts[contextKey]
}

// TakeDraft returns and forgets the unsent text of a context.
func (d *Directory) TakeDraft(contextKey string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.drafts[contextKey]
	delete(d.drafts, contextKey)
	return text
}

func (d *Directory) clearDraft(contextKey string) {
	d.mu.Lock()
	delete(d.drafts, contextKey)
	d.mu.Unlock()
}

// Resume reopens a stored conversation under contextKey and makes it active.
func (d *Directory) Resume(ctx context.Context, conversationID, contextKey string) (protocol.ResumeConversationResponse, error) {
	resp, err := d.backend.ResumeConversation(ctx, conversationID)
	if err != nil {
		return protocol.ResumeConversationResponse{}, fmt.Errorf("resume conversation %s: %w", conversationID, err)
	}
	id := resp.ConversationID
	if id == "" {
		id = conversationID
		resp.ConversationID = id
	}
	now := time.Now().UTC()
	d.mu.Lock()
	if existing, ok := d.byID[id]; ok {
		if resp.RolloutPath != "" {
			existing.Path = resp.RolloutPath
		}
		if resp.Model != "" {
			existing.Model = resp.Model
		}
		existing.UpdatedAt = now
	} else {
		d.insertLocked(Record{
			ConversationID: id,
			Preview:        "Resumed - " + now.Local().Format("2006-01-02 15:04"),
			Path:           resp.RolloutPath,
			ContextKey:     contextKey,
			Model:          resp.Model,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	d.active[d.byID[id].ContextKey] = id
	d.mu.Unlock()

	d.persist()
	return resp, nil
}

// UpdatePreview sets a record's preview from message text. It reports
// whether the record changed.
func (d *Directory) UpdatePreview(conversationID, text string) bool {
	preview := previewText(text)
	if preview == "" {
		return false
	}
	d.mu.Lock()
	rec, ok := d.byID[conversationID]
	if !ok || rec.Preview == preview {
		d.mu.Unlock()
		return false
	}
	rec.Preview = preview
	rec.UpdatedAt = time.Now().UTC()
	d.mu.Unlock()
	d.persist()
	return true
}

// UpdatePath sets a record's rollout path.
func (d *Directory) UpdatePath(conversationID, path string) bool {
	d.mu.Lock()
	rec, ok := d.byID[conversationID]
	if !ok || path == "" || rec.Path == path {
		d.mu.Unlock()
		return false
	}
	rec.Path = path
	rec.UpdatedAt = time.Now().UTC()
	d.mu.Unlock()
	d.persist()
	return true
}

// Remove deletes a record. This is the only way records disappear.
func (d *Directory) Remove(conversationID string) bool {
	d.mu.Lock()
	rec, ok := d.byID[conversationID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.unindexLocked(rec)
	delete(d.byID, conversationID)
	if d.active[rec.ContextKey] == conversationID {
		delete(d.active, rec.ContextKey)
	}
	d.mu.Unlock()
	d.persist()
	return true
}

// Get returns a record by id.
func (d *Directory) Get(conversationID string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.byID[conversationID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns the records of a context, newest first.
func (d *Directory) List(contextKey string) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := d.byContext[contextKey]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := d.byID[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Contexts returns every known context key, sorted.
func (d *Directory) Contexts() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.byContext))
	for k := range d.byContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Active returns the active conversation of a context, or "".
func (d *Directory) Active(contextKey string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active[contextKey]
}

// SetActive makes a known conversation the active one of its context.
func (d *Directory) SetActive(conversationID string) error {
	d.mu.Lock()
	rec, ok := d.byID[conversationID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	d.active[rec.ContextKey] = conversationID
	d.mu.Unlock()
	d.persist()
	return nil
}

// HandleBackendExit releases every in-flight creation with
// backend.ErrBackendExited. Results of creations started before the exit
// are discarded. Records are kept so they can be resumed.
func (d *Directory) HandleBackendExit() {
	d.mu.Lock()
	close(d.exited)
	d.exited = make(chan struct{})
	d.group = &singleflight.Group{}
	d.gen++
	d.mu.Unlock()
	debug.Log("directory", "backend exited, in-flight creations released")
}

func (d *Directory) insertLocked(rec Record) {
	r := rec
	_, existed := d.byID[r.ConversationID]
	d.byID[r.ConversationID] = &r
	if existed {
		for _, id := range d.byContext[r.ContextKey] {
			if id == r.ConversationID {
				return
			}
		}
	}
	d.byContext[r.ContextKey] = append([]string{r.ConversationID}, d.byContext[r.ContextKey]...)
}

func (d *Directory) unindexLocked(rec *Record) {
	ids := d.byContext[rec.ContextKey]
	for i, id := range ids {
		if id == rec.ConversationID {
			d.byContext[rec.ContextKey] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(d.byContext[rec.ContextKey]) == 0 {
		delete(d.byContext, rec.ContextKey)
	}
}

// persist writes a snapshot of the index. Writes are serialized so an older
// snapshot never lands after a newer one.
func (d *Directory) persist() {
	if d.store == nil {
		return
	}
	d.persistMu.Lock()
	defer d.persistMu.Unlock()

	d.mu.RLock()
	idx := &store.ConversationIndex{
		Contexts: make(map[string][]store.ConversationRecord, len(d.byContext)),
		Active:   make(map[string]string, len(d.active)),
	}
	for key, ids := range d.byContext {
		recs := make([]store.ConversationRecord, 0, len(ids))
		for _, id := range ids {
			if rec, ok := d.byID[id]; ok {
				recs = append(recs, *rec)
			}
		}
		idx.Contexts[key] = recs
	}
	for k, v := range d.active {
		idx.Active[k] = v
	}
	d.mu.RUnlock()

	if err := d.store.SaveIndex(idx); err != nil {
		debug.LogKV("directory", "persisting conversation index failed", "error", err)
	}
}

// previewText flattens message text to one line of at most PreviewWidth
// cells.
func previewText(text string) string {
	flat := strings.Join(strings.Fields(ansi.Strip(text)), " ")
	return ansi.Truncate(flat, PreviewWidth, "…")
}
