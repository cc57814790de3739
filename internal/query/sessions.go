package query

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// Page selects a window of an ordered result.
type Page struct {
	Limit  int
	Offset int
}

// DefaultPage returns the first 50 results.
func DefaultPage() Page { return Page{Limit: DefaultLimit} }

// Validate checks 1 <= Limit <= MaxLimit and Offset >= 0.
func (p Page) Validate() error {
	if p.Limit < 1 || p.Limit > MaxLimit {
		return fmt.Errorf(
			"%w: limit must be between 1 and %d",
			ErrInvalidFilter, MaxLimit,
		)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must be >= 0", ErrInvalidFilter)
	}
	return nil
}

func paginate[T any](items []T, p Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := min(p.Offset+p.Limit, len(items))
	return items[p.Offset:end]
}

// Search reconstructs every session in the store, keeps those
// matching f, and returns page p of the result ordered by
// session_start descending. Filtering happens at session
// granularity, so no predicate can be pushed into the store.
func (s *Service) Search(
	ctx context.Context, f session.Filter, p Page,
) ([]session.Summary, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "query.Search")
	defer span.End()

	var t tally
	b := session.NewBuilder()
	for r, err := range s.scan(ctx, store.Query{}, nil, &t) {
		if err != nil {
			return nil, s.finish(span, wrap("searching sessions", err))
		}
		b.Add(r)
	}
	s.report("search", &t)

	matched := lo.Filter(b.Summaries(), func(sum session.Summary, _ int) bool {
		return f.Match(sum)
	})
	span.SetAttributes(
		attribute.Int("spendtrace.sessions", b.Len()),
		attribute.Int("spendtrace.matched", len(matched)),
	)
	return paginate(matched, p), nil
}

// sessionRecords loads one session's records in fold order.
func (s *Service) sessionRecords(
	ctx context.Context, key string,
) ([]store.Record, error) {
	recs, err := s.st.BySessionKey(ctx, key)
	if err != nil {
		return nil, wrap("loading session "+key, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("session %s: %w", key, ErrNotFound)
	}
	var t tally
	for _, r := range recs {
		if r.Metadata.Malformed() {
			t.malformed++
		}
	}
	s.report("session", &t)
	slices.SortFunc(recs, func(a, b store.Record) int {
		switch {
		case store.Less(a, b):
			return -1
		case store.Less(b, a):
			return 1
		}
		return 0
	})
	return recs, nil
}

// Summary returns the summary of the session identified by key.
func (s *Service) Summary(
	ctx context.Context, key string,
) (session.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "query.Summary")
	defer span.End()
	span.SetAttributes(keyAttr(key))

	recs, err := s.sessionRecords(ctx, key)
	if err != nil {
		return session.Summary{}, s.finish(span, err)
	}
	return session.Fold(key, recs), nil
}

// Message is one request of a session as seen in a transcript.
type Message struct {
	RequestID           string          `json:"request_id"`
	MessageSequence     int             `json:"message_sequence"`
	Timestamp           *time.Time      `json:"timestamp"`
	Model               string          `json:"model"`
	PromptTokens        int64           `json:"prompt_tokens"`
	CompletionTokens    int64           `json:"completion_tokens"`
	TotalTokens         int64           `json:"total_tokens"`
	Cost                float64         `json:"cost"`
	ResponseTimeSeconds *float64        `json:"response_time_seconds"`
	MessagesLength      int             `json:"messages_length"`
	ResponseLength      int             `json:"response_length"`
	ResponseType        string          `json:"response_type"`
	CacheHit            bool            `json:"cache_hit"`
	Messages            json.RawMessage `json:"messages"`
	Response            json.RawMessage `json:"response"`
}

// Response types reported per message.
const (
	ResponseFunctionCall = "function_call"
	ResponseRegular      = "regular_response"
)

// Messages returns the session's requests ordered by start time
// ascending, numbered from 1.
func (s *Service) Messages(
	ctx context.Context, key string,
) ([]Message, error) {
	ctx, span := s.tracer.Start(ctx, "query.Messages")
	defer span.End()
	span.SetAttributes(keyAttr(key))

	recs, err := s.sessionRecords(ctx, key)
	if err != nil {
		return nil, s.finish(span, err)
	}
	out := make([]Message, len(recs))
	for i, r := range recs {
		out[i] = newMessage(i+1, r)
	}
	return out, nil
}

func newMessage(seq int, r store.Record) Message {
	m := Message{
		RequestID:        r.RequestID,
		MessageSequence:  seq,
		Timestamp:        r.StartTime,
		Model:            r.Model,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		Cost:             r.Cost,
		MessagesLength:   len(r.Messages),
		ResponseLength:   len(r.Response),
		ResponseType:     ResponseRegular,
		CacheHit:         r.CacheHit,
		Messages:         r.Messages,
		Response:         r.Response,
	}
	if d, ok := r.Latency(); ok {
		sec := d.Seconds()
		m.ResponseTimeSeconds = &sec
	}
	if r.FunctionCallCount > 0 {
		m.ResponseType = ResponseFunctionCall
	}
	return m
}
