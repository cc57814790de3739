package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Record is one logged LLM request/response. Records are produced
// by the proxy and never modified here.
type Record struct {
	RequestID           string          `json:"request_id"`
	StartTime           *time.Time      `json:"start_time"`
	EndTime             *time.Time      `json:"end_time"`
	CompletionStartTime *time.Time      `json:"completion_start_time,omitempty"`
	UserID              *string         `json:"user_id"`
	Model               string          `json:"model"`
	Provider            string          `json:"provider,omitempty"`
	CallType            string          `json:"call_type,omitempty"`
	APIBase             string          `json:"api_base,omitempty"`
	CacheKey            string          `json:"cache_key,omitempty"`
	PromptTokens        int64           `json:"prompt_tokens"`
	CompletionTokens    int64           `json:"completion_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	Cost                float64         `json:"cost"`
	CacheHit            bool            `json:"cache_hit"`
	FunctionCallCount   int64           `json:"function_call_count"`
	Metadata            Metadata        `json:"metadata"`
	Messages            json.RawMessage `json:"messages,omitempty"`
	Response            json.RawMessage `json:"response,omitempty"`
	RequestTags         json.RawMessage `json:"request_tags,omitempty"`
}

// SessionKey returns the derived session identity: the metadata
// session_id when present and non-empty, otherwise the record's
// own request ID.
func (r Record) SessionKey() string {
	if sid, ok := r.Metadata.SessionID(); ok {
		return sid
	}
	return r.RequestID
}

// Latency returns end_time - start_time. ok is false when either
// timestamp is missing or the interval is negative.
func (r Record) Latency() (time.Duration, bool) {
	if r.StartTime == nil || r.EndTime == nil {
		return 0, false
	}
	d := r.EndTime.Sub(*r.StartTime)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// TimeToFirstToken returns completion_start_time - start_time.
func (r Record) TimeToFirstToken() (time.Duration, bool) {
	if r.StartTime == nil || r.CompletionStartTime == nil {
		return 0, false
	}
	d := r.CompletionStartTime.Sub(*r.StartTime)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// RawJSON wraps a stored JSON column for re-encoding. Empty and
// null columns become nil; text that is not valid JSON is carried
// as a JSON string so encoders never choke on it.
func RawJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil
	}
	if gjson.Valid(s) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

// CountFunctionCalls counts tool and function calls in an
// OpenAI-style response payload. Unknown shapes count as zero.
func CountFunctionCalls(response []byte) int64 {
	if len(response) == 0 || !gjson.ValidBytes(response) {
		return 0
	}
	var n int64
	gjson.GetBytes(response, "choices").ForEach(
		func(_, choice gjson.Result) bool {
			msg := choice.Get("message")
			if !msg.Exists() {
				msg = choice.Get("delta")
			}
			if calls := msg.Get("tool_calls"); calls.IsArray() {
				n += int64(len(calls.Array()))
			}
			if msg.Get("function_call").IsObject() {
				n++
			}
			return true
		})
	return n
}
