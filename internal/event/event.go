// Package event decodes backend event notifications and classifies them as
// delta or final, terminal or approval-blocking.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agusx1211/convsync/pkg/protocol"
)

// ErrMalformed marks an envelope that cannot be ingested.
var ErrMalformed = errors.New("malformed event")

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Event is one msg object from an envelope. Raw is kept verbatim; fields
// are decoded lazily through the accessors.
type Event struct {
	Type   string
	Raw    json.RawMessage
	fields map[string]json.RawMessage
}

// Parse decodes a msg object. It fails when raw is not a JSON object or
// lacks a well-formed type discriminator.
func Parse(raw json.RawMessage) (Event, error) {
	if len(raw) == 0 {
		return Event{}, fmt.Errorf("%w: missing msg", ErrMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: msg is not an object: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Event{}, fmt.Errorf("%w: msg is null", ErrMalformed)
	}
	var typ string
	if t, ok := fields["type"]; ok {
		if err := json.Unmarshal(t, &typ); err != nil {
			return Event{}, fmt.Errorf("%w: type is not a string", ErrMalformed)
		}
	}
	if !typePattern.MatchString(typ) {
		return Event{}, fmt.Errorf("%w: unrecognized type %q", ErrMalformed, typ)
	}
	return Event{
		Type:   typ,
		Raw:    append(json.RawMessage(nil), raw...),
		fields: fields,
	}, nil
}

// New builds an Event from a type and a set of fields. Used for synthesized
// events and tests.
func New(typ string, fields map[string]any) Event {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = typ
	raw, _ := json.Marshal(m)
	ev, err := Parse(raw)
	if err != nil {
		return Event{Type: typ, Raw: raw}
	}
	return ev
}

// Field returns the raw JSON of a field, or nil.
func (e Event) Field(key string) json.RawMessage {
	return e.fields[key]
}

// Str returns a string field, or "" when absent or not a string.
func (e Event) Str(key string) string {
	raw, ok := e.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// ItemID identifies the logical item the event belongs to.
func (e Event) ItemID() string {
	if id := e.Str("item_id"); id != "" {
		return id
	}
	return e.Str("call_id")
}

// Delta returns the incremental fragment of a delta event.
func (e Event) Delta() string {
	if d := e.Str("delta"); d != "" {
		return d
	}
	// exec_command_output_delta carries its bytes as "chunk".
	return e.Str("chunk")
}

// TurnID returns the turn identifier carried inside the msg, if any.
func (e Event) TurnID() string {
	return e.Str("turn_id")
}

// Text returns the human-readable content of message-like events.
func (e Event) Text() string {
	for _, key := range []string{"message", "text", "last_agent_message", "reason"} {
		if s := e.Str(key); s != "" {
			return s
		}
	}
	return ""
}

// Decode unmarshals a field into T.
func Decode[T any](e Event, key string) (T, error) {
	var v T
	raw, ok := e.fields[key]
	if !ok {
		return v, fmt.Errorf("field %q missing from %s", key, e.Type)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding %s.%s: %w", e.Type, key, err)
	}
	return v, nil
}

// Envelope is a validated event notification.
type Envelope struct {
	Method         string
	ConversationID string
	// ID is the envelope-level id; the backend sets it to the submission
	// (turn) the event belongs to.
	ID         string
	Event      Event
	ReceivedAt time.Time
}

// TurnID prefers the id inside the msg and falls back to the envelope id.
func (e Envelope) TurnID() string {
	if id := e.Event.TurnID(); id != "" {
		return id
	}
	return e.ID
}

// DecodeNotification parses one raw notification.
func DecodeNotification(data []byte) (Envelope, error) {
	var n struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &n); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(n.Params) == 0 || string(n.Params) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing params", ErrMalformed)
	}
	var p protocol.Envelope
	if err := json.Unmarshal(n.Params, &p); err != nil {
		return Envelope{}, fmt.Errorf("%w: params: %v", ErrMalformed, err)
	}
	return FromParams(n.Method, p)
}

// FromParams validates already-decoded envelope params.
func FromParams(method string, p protocol.Envelope) (Envelope, error) {
	if strings.TrimSpace(p.ConversationID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing conversationId", ErrMalformed)
	}
	ev, err := Parse(p.Msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Method:         method,
		ConversationID: p.ConversationID,
		ID:             p.ID,
		Event:          ev,
		ReceivedAt:     time.Now(),
	}, nil
}

// Encode renders the envelope back into notification form.
func (e Envelope) Encode() ([]byte, error) {
	method := e.Method
	if method == "" {
		method = protocol.EventMethodPrefix + "/" + e.Event.Type
	}
	return json.Marshal(protocol.Notification{
		Method: method,
		Params: protocol.Envelope{
			ConversationID: e.ConversationID,
			ID:             e.ID,
			Msg:            e.Event.Raw,
		},
	})
}
