package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wesm/spendtrace/internal/store"
)

// RequestDetail is the full view of a single logged request.
type RequestDetail struct {
	RequestID        string          `json:"request_id"`
	SessionID        string          `json:"session_id"`
	UserID           *string         `json:"user_id"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	CallType         string          `json:"call_type"`
	APIBase          string          `json:"api_base"`
	RequestStart     *time.Time      `json:"request_start"`
	RequestEnd       *time.Time      `json:"request_end"`
	CompletionStart  *time.Time      `json:"completion_start"`
	TotalTime        *float64        `json:"total_time"`
	TimeToFirstToken *float64        `json:"time_to_first_token"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalTokens      int64           `json:"total_tokens"`
	Cost             float64         `json:"cost"`
	CacheHit         bool            `json:"cache_hit"`
	CacheKey         string          `json:"cache_key"`
	FunctionCalls    int64           `json:"function_calls"`
	Metadata         json.RawMessage `json:"metadata"`
	MalformedMeta    bool            `json:"malformed_metadata,omitempty"`
	Messages         json.RawMessage `json:"messages"`
	Response         json.RawMessage `json:"response"`
	RequestTags      json.RawMessage `json:"request_tags"`
}

// RequestMessages is the conversation payload of one request.
type RequestMessages struct {
	RequestID string          `json:"request_id"`
	Messages  json.RawMessage `json:"messages"`
	Response  json.RawMessage `json:"response"`
}

func (s *Service) record(ctx context.Context, id string) (store.Record, error) {
	ctx, span := s.tracer.Start(ctx, "query.Request")
	defer span.End()
	span.SetAttributes(attribute.String("spendtrace.request_id", id))

	r, err := s.st.ByRequestID(ctx, id)
	if errors.Is(err, store.ErrNoRecord) {
		return store.Record{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return store.Record{}, s.finish(span, wrap("loading request "+id, err))
	}
	return r, nil
}

// Request returns the detail view of one request. Unreadable
// metadata is returned verbatim as a JSON string.
func (s *Service) Request(
	ctx context.Context, id string,
) (RequestDetail, error) {
	r, err := s.record(ctx, id)
	if err != nil {
		return RequestDetail{}, err
	}
	d := RequestDetail{
		RequestID:        r.RequestID,
		SessionID:        r.SessionKey(),
		UserID:           r.UserID,
		Model:            r.Model,
		Provider:         r.Provider,
		CallType:         r.CallType,
		APIBase:          r.APIBase,
		RequestStart:     r.StartTime,
		RequestEnd:       r.EndTime,
		CompletionStart:  r.CompletionStartTime,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		Cost:             r.Cost,
		CacheHit:         r.CacheHit,
		CacheKey:         r.CacheKey,
		FunctionCalls:    r.FunctionCallCount,
		Metadata:         r.Metadata.Raw(),
		Messages:         r.Messages,
		Response:         r.Response,
		RequestTags:      r.RequestTags,
	}
	if r.Metadata.Malformed() {
		d.MalformedMeta = true
		d.Metadata = store.RawJSON(r.Metadata.Source())
	}
	if v, ok := r.Latency(); ok {
		sec := v.Seconds()
		d.TotalTime = &sec
	}
	if v, ok := r.TimeToFirstToken(); ok {
		sec := v.Seconds()
		d.TimeToFirstToken = &sec
	}
	return d, nil
}

// RequestMessages returns only the messages and response of a
// request.
func (s *Service) RequestMessages(
	ctx context.Context, id string,
) (RequestMessages, error) {
	r, err := s.record(ctx, id)
	if err != nil {
		return RequestMessages{}, err
	}
	return RequestMessages{
		RequestID: r.RequestID,
		Messages:  r.Messages,
		Response:  r.Response,
	}, nil
}
