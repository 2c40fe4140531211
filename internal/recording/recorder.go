// Package recording tees backend notifications to a per-session JSONL log
// and replays such logs.
package recording

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/agusx1211/convsync/internal/debug"
	"github.com/agusx1211/convsync/internal/store"
)

// Event types written to a recording.
const (
	TypeNotification = "notification"
	// TypeNotificationText holds a notification that was not valid JSON,
	// stored as a JSON string.
	TypeNotificationText = "notification_text"
	TypeMeta             = "meta"
)

// Recorder captures every notification of one session and persists it to
// the store as it arrives.
type Recorder struct {
	Session string
	Store   *store.Store

	mu     sync.Mutex
	events []store.RecordingEvent
}

// New creates a Recorder for session. s may be nil for in-memory use.
func New(session string, s *store.Store) *Recorder {
	return &Recorder{Session: session, Store: s}
}

// RecordNotification records one raw notification.
func (r *Recorder) RecordNotification(raw []byte) {
	if json.Valid(raw) {
		r.record(TypeNotification, append(json.RawMessage(nil), raw...))
		return
	}
	text, _ := json.Marshal(string(raw))
	r.record(TypeNotificationText, text)
}

// RecordMeta records a key=value annotation.
func (r *Recorder) RecordMeta(key, value string) {
	data, _ := json.Marshal(key + "=" + value)
	r.record(TypeMeta, data)
}

func (r *Recorder) record(typ string, data json.RawMessage) {
	ev := store.RecordingEvent{Timestamp: time.Now().UTC(), Type: typ, Data: data}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if r.Store == nil {
		return
	}
	// Persistence is best effort; a full disk must not stall ingestion.
	if err := r.Store.AppendRecordingEvent(r.Session, ev); err != nil {
		debug.LogKV("recording", "append failed", "session", r.Session, "error", err)
	}
}

// Events returns a snapshot of all recorded events.
func (r *Recorder) Events() []store.RecordingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]store.RecordingEvent, len(r.events))
	copy(cp, r.events)
	return cp
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Replay reads a recording and calls fn with every notification in order.
// Meta lines are skipped. It returns the number of notifications replayed.
func Replay(rd io.Reader, fn func(raw []byte)) (int, error) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	n := 0
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev store.RecordingEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return n, fmt.Errorf("recording line %d: %w", line, err)
		}
		switch ev.Type {
		case TypeNotification:
			fn(ev.Data)
		case TypeNotificationText:
			var text string
			if err := json.Unmarshal(ev.Data, &text); err != nil {
				return n, fmt.Errorf("recording line %d: %w", line, err)
			}
			fn([]byte(text))
		default:
			continue
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("reading recording: %w", err)
	}
	return n, nil
}

// ReplayFile replays the recording at path.
func ReplayFile(path string, fn func(raw []byte)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return Replay(f, fn)
}
