// Package analytics computes cohort statistics directly over raw
// records. Every function consumes a record iterator in a single
// pass; callers that need bit-identical float sums must supply
// records in a stable order.
package analytics

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

var (
	// ErrInvalidWindow is returned for trailing windows outside
	// 1..MaxDays.
	ErrInvalidWindow = errors.New("invalid analytics window")
	// ErrInvalidParam is returned for unknown cohort kinds,
	// granularities and breakdown dimensions.
	ErrInvalidParam = errors.New("invalid analytics parameter")
)

const (
	DefaultDays = 7
	MaxDays     = 365
)

// Window is a trailing time range ending now.
type Window struct {
	Days int
}

// DefaultWindow returns the seven-day window.
func DefaultWindow() Window { return Window{Days: DefaultDays} }

// Validate checks the window length.
func (w Window) Validate() error {
	if w.Days < 1 || w.Days > MaxDays {
		return fmt.Errorf(
			"%w: days must be between 1 and %d, got %d",
			ErrInvalidWindow, MaxDays, w.Days,
		)
	}
	return nil
}

// Since returns the inclusive lower bound of the window.
func (w Window) Since(now time.Time) time.Time {
	return now.Add(-time.Duration(w.Days) * 24 * time.Hour).UTC()
}

// Usage is the token, cost, latency and cache shape shared by the
// model and agent cohorts.
type Usage struct {
	TotalPromptTokens     int64    `json:"total_prompt_tokens"`
	TotalCompletionTokens int64    `json:"total_completion_tokens"`
	TotalTokens           int64    `json:"total_tokens"`
	TotalCost             float64  `json:"total_cost"`
	AvgResponseTime       float64  `json:"avg_response_time"`
	MinResponseTime       *float64 `json:"min_response_time"`
	MaxResponseTime       *float64 `json:"max_response_time"`
	LatencySamples        int64    `json:"latency_samples"`
	CacheHits             int64    `json:"cache_hits"`
	CacheHitRate          float64  `json:"cache_hit_rate"`
	// OutputInputRatio is completion over prompt tokens; nil when
	// no prompt tokens were recorded.
	OutputInputRatio *float64 `json:"output_input_ratio"`
}

// latency accumulates per-record response times. Records missing
// either timestamp, or ending before they start, are not samples.
type latency struct {
	sum      float64
	n        int64
	min, max float64
}

func (l *latency) add(r store.Record) {
	d, ok := r.Latency()
	if !ok {
		return
	}
	s := d.Seconds()
	if l.n == 0 || s < l.min {
		l.min = s
	}
	if l.n == 0 || s > l.max {
		l.max = s
	}
	l.sum += s
	l.n++
}

func (l latency) avg() float64 {
	if l.n == 0 {
		return 0
	}
	return l.sum / float64(l.n)
}

func (l latency) bounds() (*float64, *float64) {
	if l.n == 0 {
		return nil, nil
	}
	mn, mx := l.min, l.max
	return &mn, &mx
}

type usageAcc struct {
	requests   int64
	prompt     int64
	completion int64
	tokens     int64
	cost       float64
	hits       int64
	lat        latency
}

func (u *usageAcc) add(r store.Record) {
	u.requests++
	u.prompt = session.SatAdd(u.prompt, r.PromptTokens)
	u.completion = session.SatAdd(u.completion, r.CompletionTokens)
	u.tokens = session.SatAdd(u.tokens, r.TotalTokens)
	u.cost += session.CostOf(r.Cost)
	if r.CacheHit {
		u.hits++
	}
	u.lat.add(r)
}

func (u usageAcc) usage() Usage {
	out := Usage{
		TotalPromptTokens:     u.prompt,
		TotalCompletionTokens: u.completion,
		TotalTokens:           u.tokens,
		TotalCost:             u.cost,
		AvgResponseTime:       u.lat.avg(),
		LatencySamples:        u.lat.n,
		CacheHits:             u.hits,
		CacheHitRate:          rate(u.hits, u.requests),
		OutputInputRatio:      ratio(u.completion, u.prompt),
	}
	out.MinResponseTime, out.MaxResponseTime = u.lat.bounds()
	return out
}

func rate(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// ratio returns num/den, or nil when den is zero.
func ratio(num, den int64) *float64 {
	if den <= 0 {
		return nil
	}
	v := float64(num) / float64(den)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// each drains recs, calling fn for every record. It stops at the
// first iterator error.
func each(
	recs iter.Seq2[store.Record, error], fn func(store.Record),
) error {
	for r, err := range recs {
		if err != nil {
			return err
		}
		fn(r)
	}
	return nil
}
