package session

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/wesm/spendtrace/internal/store"
)

// Builder partitions records by session key and folds each
// partition into a Summary. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	parts map[string][]store.Record
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{parts: make(map[string][]store.Record)}
}

// Add assigns r to its session. Message and response payloads are
// dropped since summaries never read them.
func (b *Builder) Add(r store.Record) {
	r.Messages, r.Response, r.RequestTags = nil, nil, nil
	key := r.SessionKey()
	b.parts[key] = append(b.parts[key], r)
}

// Len returns the number of sessions seen so far.
func (b *Builder) Len() int { return len(b.parts) }

// Summaries folds every partition and returns the results ordered
// by session_start descending, unknown starts last. The result does
// not depend on the order records were added in.
func (b *Builder) Summaries() []Summary {
	out := make([]Summary, 0, len(b.parts))
	for key, recs := range b.parts {
		out = append(out, Fold(key, recs))
	}
	slices.SortFunc(out, compareSummaries)
	return out
}

// Reconstruct groups recs into sessions.
func Reconstruct(recs []store.Record) []Summary {
	b := NewBuilder()
	for _, r := range recs {
		b.Add(r)
	}
	return b.Summaries()
}

// Fold summarizes the records of a single session. recs is sorted
// in place by start_time ascending, nulls last, ties by request ID.
func Fold(key string, recs []store.Record) Summary {
	slices.SortFunc(recs, func(a, b store.Record) int {
		switch {
		case store.Less(a, b):
			return -1
		case store.Less(b, a):
			return 1
		}
		return 0
	})

	s := Summary{SessionID: key, TotalMessages: len(recs)}
	var (
		latencySum float64
		samples    int
		hits       int
		models     = make([]string, 0, len(recs))
	)
	for _, r := range recs {
		if s.UserID == nil && r.UserID != nil {
			u := *r.UserID
			s.UserID = &u
		}
		if s.AgentName == nil {
			if v, ok := r.Metadata.AgentName(); ok {
				s.AgentName = &v
			}
		}
		if s.ConversationName == nil {
			if v, ok := r.Metadata.ConversationName(); ok {
				s.ConversationName = &v
			}
		}
		s.SessionStart = minTime(s.SessionStart, r.StartTime)
		s.SessionEnd = maxTime(s.SessionEnd, r.EndTime)

		s.TotalTokens = SatAdd(s.TotalTokens, r.TotalTokens)
		s.TotalCost += CostOf(r.Cost)
		s.FunctionCallsCount = SatAdd(
			s.FunctionCallsCount, r.FunctionCallCount,
		)
		if d, ok := r.Latency(); ok {
			latencySum += d.Seconds()
			samples++
		}
		if r.CacheHit {
			hits++
		}
		models = append(models, r.Model)
	}

	switch {
	case s.SessionStart == nil && s.SessionEnd != nil:
		s.SessionStart = s.SessionEnd
	case s.SessionEnd == nil && s.SessionStart != nil:
		s.SessionEnd = s.SessionStart
	}
	if s.SessionStart != nil {
		if d := s.SessionEnd.Sub(*s.SessionStart); d > 0 {
			s.TotalDurationSeconds = d.Seconds()
		}
	}
	if samples > 0 {
		s.AvgResponseTime = latencySum / float64(samples)
	}
	if len(recs) > 0 {
		s.CacheHitRate = float64(hits) / float64(len(recs))
	}
	s.ModelsUsed = lo.Uniq(lo.Compact(models))
	return s
}

func minTime(cur, t *time.Time) *time.Time {
	if t == nil {
		return cur
	}
	if cur == nil || t.Before(*cur) {
		v := *t
		return &v
	}
	return cur
}

func maxTime(cur, t *time.Time) *time.Time {
	if t == nil {
		return cur
	}
	if cur == nil || t.After(*cur) {
		v := *t
		return &v
	}
	return cur
}
