// Package session reconstructs logical conversations from the flat
// request log and filters them.
package session

import (
	"math"
	"time"
)

// Summary is the derived view of one session. It is recomputed on
// every query and never stored.
//
// UserID, AgentName and ConversationName come from the earliest
// record, in start_time order, that carries a value. A session whose
// first record lacks a user still reports the user of a later one.
type Summary struct {
	SessionID            string     `json:"session_id"`
	UserID               *string    `json:"user_id"`
	AgentName            *string    `json:"agent_name"`
	ConversationName     *string    `json:"conversation_name"`
	TotalMessages        int        `json:"total_messages"`
	SessionStart         *time.Time `json:"session_start"`
	SessionEnd           *time.Time `json:"session_end"`
	TotalDurationSeconds float64    `json:"total_duration_seconds"`
	TotalTokens          int64      `json:"total_tokens"`
	TotalCost            float64    `json:"total_cost"`
	AvgResponseTime      float64    `json:"avg_response_time"`
	FunctionCallsCount   int64      `json:"function_calls_count"`
	CacheHitRate         float64    `json:"cache_hit_rate"`
	ModelsUsed           []string   `json:"models_used"`
}

// compareSummaries orders by session_start descending with unknown
// starts last, then by session ID.
func compareSummaries(a, b Summary) int {
	switch {
	case a.SessionStart == nil && b.SessionStart != nil:
		return 1
	case a.SessionStart != nil && b.SessionStart == nil:
		return -1
	case a.SessionStart != nil && !a.SessionStart.Equal(*b.SessionStart):
		return b.SessionStart.Compare(*a.SessionStart)
	}
	switch {
	case a.SessionID < b.SessionID:
		return -1
	case a.SessionID > b.SessionID:
		return 1
	}
	return 0
}

// SatAdd adds a non-negative increment to a running total, clamping
// at math.MaxInt64. Negative increments contribute nothing.
func SatAdd(total, inc int64) int64 {
	if inc <= 0 {
		return total
	}
	if total > math.MaxInt64-inc {
		return math.MaxInt64
	}
	return total + inc
}

// CostOf returns the usable part of a record's cost: negative or
// non-finite values count as zero.
func CostOf(c float64) float64 {
	if c <= 0 || math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return c
}
