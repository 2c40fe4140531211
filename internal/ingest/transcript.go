package ingest

import (
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/event"
)

// Entry is one finalized event in a transcript.
type Entry struct {
	Seq        int
	TurnID     string
	Event      event.Event
	ReceivedAt time.Time
}

// Transcript is the append-only sequence of final events of one
// conversation. Entries are never reordered; only Reset removes them.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq int
}

func (t *Transcript) append(env event.Envelope) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	e := Entry{
		Seq:        t.nextSeq,
		TurnID:     env.TurnID(),
		Event:      env.Event,
		ReceivedAt: env.ReceivedAt,
	}
	t.entries = append(t.entries, e)
	return e
}

func (t *Transcript) reset() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// Entries returns a snapshot copy.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
