package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadata(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		present   bool
		malformed bool
	}{
		{"Empty", "", false, false},
		{"Null", "null", false, false},
		{"Whitespace", "  \n", false, false},
		{"Object", `{"session_id":"s1"}`, true, false},
		{"EmptyObject", `{}`, true, false},
		{"Truncated", `{"session_id":`, false, true},
		{"Array", `["a","b"]`, false, true},
		{"Number", `42`, false, true},
		{"StringEncodedObject", `"{\"agent_name\":\"bot\"}"`, true, false},
		{"StringEncodedGarbage", `"not json"`, false, true},
		{"EmptyString", `""`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ParseMetadata([]byte(tt.raw))
			assert.Equal(t, tt.present, m.Present(), "Present")
			assert.Equal(t, tt.malformed, m.Malformed(), "Malformed")
		})
	}
}

func TestMetadataGet(t *testing.T) {
	m := ParseMetadata([]byte(`{
		"session_id": "abc",
		"agent_name": "",
		"conversation_name": null,
		"turn": 7,
		"nested": {"x": 1},
		"dotted.key": "yes",
		"flag": true
	}`))
	require.True(t, m.Present())

	v, ok := m.SessionID()
	assert.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = m.AgentName()
	assert.False(t, ok, "empty string is absent")

	_, ok = m.ConversationName()
	assert.False(t, ok, "null is absent")

	v, ok = m.Get("turn")
	assert.True(t, ok)
	assert.Equal(t, "7", v)

	_, ok = m.Get("nested")
	assert.False(t, ok, "objects are not scalar values")

	_, ok = m.Get("flag")
	assert.False(t, ok, "booleans are not identifiers")

	v, ok = m.Get("dotted.key")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMetadataMalformedBehavesEmpty(t *testing.T) {
	m := ParseMetadata([]byte(`{"session_id": "s1"`))
	assert.True(t, m.Malformed())
	_, ok := m.SessionID()
	assert.False(t, ok)
	assert.Nil(t, m.Raw())

	b, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}
