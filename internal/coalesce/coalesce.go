// Package coalesce merges runs of streaming delta fragments into one growing
// string per logical item.
package coalesce

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/event"
)

// Key identifies one logical stream. Item is the event's item id, or the
// delta type itself when the event carries none.
type Key struct {
	ConversationID string
	Item           string
	Kind           event.DeltaKind
}

// KeyFor derives the stream key of a delta event.
func KeyFor(conversationID string, ev event.Event) Key {
	item := ev.ItemID()
	if item == "" {
		item = ev.Type
	}
	return Key{ConversationID: conversationID, Item: item, Kind: event.KindOf(ev.Type)}
}

// Buffer is a snapshot of one stream's accumulated content.
type Buffer struct {
	Key       Key
	Text      string
	Fragments int
	UpdatedAt time.Time
}

type buffer struct {
	b         strings.Builder
	fragments int
	seq       uint64
	updatedAt time.Time
}

// Coalescer holds the scratch buffers. Safe for concurrent use; callers
// serialize per conversation to keep fragment order.
type Coalescer struct {
	mu   sync.Mutex
	bufs map[Key]*buffer
	seq  uint64
}

// New creates an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{bufs: make(map[Key]*buffer)}
}

// Accumulate appends fragment to the stream and returns its current value.
func (c *Coalescer) Accumulate(key Key, fragment string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.bufs[key]
	if !ok {
		c.seq++
		buf = &buffer{seq: c.seq}
		c.bufs[key] = buf
	}
	buf.b.WriteString(fragment)
	buf.fragments++
	buf.updatedAt = time.Now()
	return buf.b.String()
}

// Peek returns the stream's current value without retiring it.
func (c *Coalescer) Peek(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.bufs[key]
	if !ok {
		return "", false
	}
	return buf.b.String(), true
}

// Flush retires the stream and returns its final value.
func (c *Coalescer) Flush(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.bufs[key]
	if !ok {
		return "", false
	}
	delete(c.bufs, key)
	return buf.b.String(), true
}

// Drop retires the stream, discarding its content.
func (c *Coalescer) Drop(key Key) {
	c.mu.Lock()
	delete(c.bufs, key)
	c.mu.Unlock()
}

// Retire drops the streams a final event of the given kind supersedes. An
// empty item retires every stream of that kind in the conversation; a set
// item retires that item's stream plus any item-less stream of the kind.
func (c *Coalescer) Retire(conversationID string, kind event.DeltaKind, item string) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var retired []Key
	for k := range c.bufs {
		if k.ConversationID != conversationID || k.Kind != kind {
			continue
		}
		if item == "" || k.Item == item || event.IsDelta(k.Item) {
			delete(c.bufs, k)
			retired = append(retired, k)
		}
	}
	return retired
}

// DropConversation retires every stream of a conversation.
func (c *Coalescer) DropConversation(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.bufs {
		if k.ConversationID == conversationID {
			delete(c.bufs, k)
			n++
		}
	}
	return n
}

// Reset retires every stream.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	c.bufs = make(map[Key]*buffer)
	c.mu.Unlock()
}

// Buffers returns the live streams of a conversation in first-seen order.
func (c *Coalescer) Buffers(conversationID string) []Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	type entry struct {
		seq uint64
		b   Buffer
	}
	var entries []entry
	for k, buf := range c.bufs {
		if k.ConversationID != conversationID {
			continue
		}
		entries = append(entries, entry{seq: buf.seq, b: Buffer{
			Key:       k,
			Text:      buf.b.String(),
			Fragments: buf.fragments,
			UpdatedAt: buf.updatedAt,
		}})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Buffer, len(entries))
	for i, e := range entries {
		out[i] = e.b
	}
	return out
}
