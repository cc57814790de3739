// Package store provides read-only access to the raw LLM request
// log and the record types shared by the rest of the engine.
package store

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrUnavailable marks transport or connection failures.
	// Callers surface it as a degraded-service signal.
	ErrUnavailable = errors.New("record store unavailable")
	// ErrNoRecord is returned by ByRequestID for unknown IDs.
	ErrNoRecord = errors.New("record not found")
)

// CheckEvery is how many rows an adapter yields between explicit
// context checks.
const CheckEvery = 256

// Store is the read capability the engine needs from a record
// log. Implementations must be safe for concurrent use.
type Store interface {
	// Records yields records matching q. Iteration stops at the
	// first error, which is yielded with a zero Record.
	Records(ctx context.Context, q Query) iter.Seq2[Record, error]
	// BySessionKey returns every record whose SessionKey is key,
	// ordered by start_time ascending (nulls last).
	BySessionKey(ctx context.Context, key string) ([]Record, error)
	// ByRequestID returns a single record or ErrNoRecord.
	ByRequestID(ctx context.Context, id string) (Record, error)
	// Ping checks that the store answers queries.
	Ping(ctx context.Context) error
	Close() error
}

// Query selects raw records. Zero values impose no constraint.
type Query struct {
	Since     *time.Time // start_time >= Since
	Until     *time.Time // start_time <= Until
	Model     string
	UserID    string
	AgentName string
	// OrderByStart requests ascending start_time, request_id
	// order. Records without a start_time come last.
	OrderByStart bool
}

// MatchRecord applies q to a single record. Adapters push what they
// can into SQL and call this for the rest.
func (q Query) MatchRecord(r Record) bool {
	if q.Since != nil || q.Until != nil {
		if r.StartTime == nil {
			return false
		}
		if q.Since != nil && r.StartTime.Before(*q.Since) {
			return false
		}
		if q.Until != nil && r.StartTime.After(*q.Until) {
			return false
		}
	}
	if q.Model != "" && r.Model != q.Model {
		return false
	}
	if q.UserID != "" && (r.UserID == nil || *r.UserID != q.UserID) {
		return false
	}
	if q.AgentName != "" {
		if a, ok := r.Metadata.AgentName(); !ok || a != q.AgentName {
			return false
		}
	}
	return true
}

// Slice adapts an in-memory slice to the Records iterator shape.
func Slice(recs []Record) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for r, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// FilterSessionKey keeps the records whose derived SessionKey is
// key. Adapters pre-select candidates in SQL and use this to apply
// the authoritative definition.
func FilterSessionKey(recs []Record, key string) []Record {
	out := recs[:0]
	for _, r := range recs {
		if r.SessionKey() == key {
			out = append(out, r)
		}
	}
	return out
}

// Less orders records by start_time ascending with missing start
// times last, breaking ties by request ID.
func Less(a, b Record) bool {
	switch {
	case a.StartTime == nil && b.StartTime == nil:
		return a.RequestID < b.RequestID
	case a.StartTime == nil:
		return false
	case b.StartTime == nil:
		return true
	case !a.StartTime.Equal(*b.StartTime):
		return a.StartTime.Before(*b.StartTime)
	default:
		return a.RequestID < b.RequestID
	}
}
