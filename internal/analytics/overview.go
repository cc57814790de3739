package analytics

import (
	"iter"
	"time"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

// Overview is the single-row rollup of a window.
type Overview struct {
	Days               int       `json:"days"`
	WindowStart        time.Time `json:"window_start"`
	TotalRequests      int64     `json:"total_requests"`
	UniqueSessions     int64     `json:"unique_sessions"`
	UniqueUsers        int64     `json:"unique_users"`
	TotalTokens        int64     `json:"total_tokens"`
	TotalCost          float64   `json:"total_cost"`
	AvgResponseTime    float64   `json:"avg_response_time"`
	LatencySamples     int64     `json:"latency_samples"`
	CacheHits          int64     `json:"cache_hits"`
	CacheHitRate       float64   `json:"cache_hit_rate"`
	TotalFunctionCalls int64     `json:"total_function_calls"`
}

// ComputeOverview rolls recs up without building session
// summaries; only the distinct session keys and users are kept.
// Days and WindowStart are left for the caller to fill in.
func ComputeOverview(
	recs iter.Seq2[store.Record, error],
) (Overview, error) {
	var (
		o        Overview
		lat      latency
		sessions = make(map[string]struct{})
		users    = make(map[string]struct{})
	)
	err := each(recs, func(r store.Record) {
		o.TotalRequests++
		sessions[r.SessionKey()] = struct{}{}
		if r.UserID != nil {
			users[*r.UserID] = struct{}{}
		}
		o.TotalTokens = session.SatAdd(o.TotalTokens, r.TotalTokens)
		o.TotalCost += session.CostOf(r.Cost)
		o.TotalFunctionCalls = session.SatAdd(
			o.TotalFunctionCalls, r.FunctionCallCount,
		)
		if r.CacheHit {
			o.CacheHits++
		}
		lat.add(r)
	})
	if err != nil {
		return Overview{}, err
	}
	o.UniqueSessions = int64(len(sessions))
	o.UniqueUsers = int64(len(users))
	o.AvgResponseTime = lat.avg()
	o.LatencySamples = lat.n
	o.CacheHitRate = rate(o.CacheHits, o.TotalRequests)
	return o, nil
}
