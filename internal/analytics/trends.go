package analytics

import (
	"fmt"
	"iter"
	"time"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

// Granularity is the trend bucket width.
type Granularity string

const (
	Hour Granularity = "hour"
	Day  Granularity = "day"
)

// ParseGranularity accepts "hour" or "day". Empty means day.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", Day:
		return Day, nil
	case Hour:
		return Hour, nil
	}
	return "", fmt.Errorf(
		"%w: granularity must be hour or day, got %q",
		ErrInvalidParam, s,
	)
}

// LoadLocation resolves an IANA zone name. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidParam, name)
	}
	return loc, nil
}

// bucket returns the start of the bucket holding t, in loc.
func (g Granularity) bucket(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	if g == Hour {
		return lt.Add(-time.Duration(lt.Minute())*time.Minute -
			time.Duration(lt.Second())*time.Second -
			time.Duration(lt.Nanosecond()))
	}
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// label formats a bucket start the way reports key it.
func (g Granularity) label(start time.Time) string {
	if g == Hour {
		return start.Format("2006-01-02 15:00:00")
	}
	return start.Format("2006-01-02")
}

// TrendBucket aggregates the records of one hour or day.
type TrendBucket struct {
	TimePeriod      string    `json:"time_period"`
	BucketStart     time.Time `json:"bucket_start"`
	TotalRequests   int64     `json:"total_requests"`
	UniqueSessions  int64     `json:"unique_sessions"`
	UniqueUsers     int64     `json:"unique_users"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalCost       float64   `json:"total_cost"`
	AvgResponseTime float64   `json:"avg_response_time"`
	FunctionCalls   int64     `json:"function_calls"`
}

type trendAcc struct {
	b        TrendBucket
	lat      latency
	sessions map[string]struct{}
	users    map[string]struct{}
}

func newTrendAcc(g Granularity, start time.Time) *trendAcc {
	return &trendAcc{
		b: TrendBucket{
			TimePeriod:  g.label(start),
			BucketStart: start,
		},
		sessions: make(map[string]struct{}),
		users:    make(map[string]struct{}),
	}
}

func (a *trendAcc) add(r store.Record) {
	a.b.TotalRequests++
	a.sessions[r.SessionKey()] = struct{}{}
	if r.UserID != nil {
		a.users[*r.UserID] = struct{}{}
	}
	a.b.TotalTokens = session.SatAdd(a.b.TotalTokens, r.TotalTokens)
	a.b.TotalCost += session.CostOf(r.Cost)
	a.b.FunctionCalls = session.SatAdd(a.b.FunctionCalls, r.FunctionCallCount)
	a.lat.add(r)
}

func (a *trendAcc) finish() TrendBucket {
	a.b.UniqueSessions = int64(len(a.sessions))
	a.b.UniqueUsers = int64(len(a.users))
	a.b.AvgResponseTime = a.lat.avg()
	return a.b
}

// Trends buckets recs by calendar hour or day in loc. recs must be
// ordered by start_time ascending; records without a start_time are
// skipped. Each bucket is yielded as soon as the next one begins,
// so only one bucket is held in memory. Empty buckets are not
// emitted.
func Trends(
	recs iter.Seq2[store.Record, error],
	g Granularity,
	loc *time.Location,
) iter.Seq2[TrendBucket, error] {
	if loc == nil {
		loc = time.UTC
	}
	return func(yield func(TrendBucket, error) bool) {
		var cur *trendAcc
		for r, err := range recs {
			if err != nil {
				yield(TrendBucket{}, err)
				return
			}
			if r.StartTime == nil {
				continue
			}
			start := g.bucket(*r.StartTime, loc)
			if cur != nil && !start.Equal(cur.b.BucketStart) {
				if start.Before(cur.b.BucketStart) {
					yield(TrendBucket{}, fmt.Errorf(
						"trend input out of order at request %s",
						r.RequestID,
					))
					return
				}
				if !yield(cur.finish(), nil) {
					return
				}
				cur = nil
			}
			if cur == nil {
				cur = newTrendAcc(g, start)
			}
			cur.add(r)
		}
		if cur != nil {
			yield(cur.finish(), nil)
		}
	}
}

// CollectTrends drains a trend sequence.
func CollectTrends(
	seq iter.Seq2[TrendBucket, error],
) ([]TrendBucket, error) {
	out := []TrendBucket{}
	for b, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
