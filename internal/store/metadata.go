package store

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Well-known metadata keys written by the proxy callers.
const (
	KeySessionID        = "session_id"
	KeyAgentName        = "agent_name"
	KeyConversationName = "conversation_name"
)

// Metadata is a read-only view over a record's loosely-typed
// metadata object. Lookups never fail: a missing, null, or
// unparseable document behaves like an empty object.
type Metadata struct {
	raw       string
	src       string
	malformed bool
}

// ParseMetadata wraps raw metadata JSON. Empty input and JSON
// null are treated as absent. Anything that is not a JSON object
// (after unwrapping one level of string encoding, which some
// writers produce) is treated as empty and flagged malformed.
func ParseMetadata(raw []byte) Metadata {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return Metadata{}
	}
	src := s
	if !gjson.Valid(s) {
		return Metadata{src: src, malformed: true}
	}
	v := gjson.Parse(s)
	if v.Type == gjson.String {
		inner := strings.TrimSpace(v.Str)
		if inner == "" {
			return Metadata{src: src}
		}
		if !gjson.Valid(inner) {
			return Metadata{src: src, malformed: true}
		}
		s, v = inner, gjson.Parse(inner)
	}
	if !v.IsObject() {
		return Metadata{src: src, malformed: true}
	}
	return Metadata{raw: s, src: src}
}

// Malformed reports whether metadata was present but could not be
// read as a JSON object.
func (m Metadata) Malformed() bool { return m.malformed }

// Present reports whether metadata holds a usable object.
func (m Metadata) Present() bool { return m.raw != "" }

// Get returns the value stored under key when it is a non-empty
// string or a number. Numbers are returned as their literal text.
func (m Metadata) Get(key string) (string, bool) {
	if m.raw == "" {
		return "", false
	}
	r := gjson.Get(m.raw, escapePath(key))
	switch r.Type {
	case gjson.String:
		if r.Str == "" {
			return "", false
		}
		return r.Str, true
	case gjson.Number:
		return r.Raw, true
	default:
		return "", false
	}
}

// SessionID returns metadata.session_id.
func (m Metadata) SessionID() (string, bool) { return m.Get(KeySessionID) }

// AgentName returns metadata.agent_name.
func (m Metadata) AgentName() (string, bool) { return m.Get(KeyAgentName) }

// ConversationName returns metadata.conversation_name.
func (m Metadata) ConversationName() (string, bool) {
	return m.Get(KeyConversationName)
}

// Source returns the metadata text exactly as stored, including
// malformed input. Empty when metadata was absent.
func (m Metadata) Source() string { return m.src }

// Raw returns the metadata document, or nil when absent or
// malformed.
func (m Metadata) Raw() json.RawMessage {
	if m.raw == "" {
		return nil
	}
	return json.RawMessage(m.raw)
}

// MarshalJSON encodes the usable document, or null.
func (m Metadata) MarshalJSON() ([]byte, error) {
	if m.raw == "" {
		return []byte("null"), nil
	}
	return []byte(m.raw), nil
}

// escapePath makes key safe to use as a single gjson path
// component.
func escapePath(key string) string {
	if !strings.ContainsAny(key, `.*?|#@\`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
