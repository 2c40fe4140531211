package store

import (
	"encoding/json"
	"time"
)

// ConversationRecord is the locally known identity of one conversation.
type ConversationRecord struct {
	ConversationID string    `json:"conversation_id"`
	Preview        string    `json:"preview"`
	Path           string    `json:"path,omitempty"`
	ContextKey     string    `json:"context_key"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ConversationIndex groups records by context key, newest first, and
// remembers the active conversation of each context.
type ConversationIndex struct {
	Version  int                             `json:"version"`
	Contexts map[string][]ConversationRecord `json:"contexts"`
	Active   map[string]string               `json:"active,omitempty"`
	Updated  time.Time                       `json:"updated"`
}

// IndexVersion is the current on-disk index format.
const IndexVersion = 1

// RecordingEvent is one line of a recording: a raw notification and the
// time it was received.
type RecordingEvent struct {
	Timestamp time.Time       `json:"ts"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// RecordingInfo describes a recording file.
type RecordingInfo struct {
	Session string
	Path    string
	Size    int64
	ModTime time.Time
}
