package analytics

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/samber/lo"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

// Dimension selects one slice of a cost breakdown.
type Dimension string

const (
	ByModel Dimension = "model"
	ByAgent Dimension = "agent"
	ByUser  Dimension = "user"
)

// ParseDimension accepts model, agent or user. Empty selects all
// three.
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(s); d {
	case "", ByModel, ByAgent, ByUser:
		return d, nil
	}
	return "", fmt.Errorf(
		"%w: group_by must be model, agent or user, got %q",
		ErrInvalidParam, s,
	)
}

// CostShare is one category of a cost ranking.
type CostShare struct {
	Category          string  `json:"category"`
	TotalRequests     int64   `json:"total_requests"`
	TotalTokens       int64   `json:"total_tokens"`
	TotalCost         float64 `json:"total_cost"`
	AvgCostPerRequest float64 `json:"avg_cost_per_request"`
	// CostShare is this category's fraction of the window's cost.
	CostShare float64 `json:"cost_share"`
}

// CostBreakdown holds three independent rankings of the same cost.
type CostBreakdown struct {
	TotalCost float64     `json:"total_cost"`
	ByModel   []CostShare `json:"by_model"`
	ByAgent   []CostShare `json:"by_agent"`
	ByUser    []CostShare `json:"by_user"`
}

// Slice returns the ranking for d.
func (b CostBreakdown) Slice(d Dimension) []CostShare {
	switch d {
	case ByAgent:
		return b.ByAgent
	case ByUser:
		return b.ByUser
	default:
		return b.ByModel
	}
}

type shareAcc map[string]*CostShare

func (s shareAcc) add(cat string, r store.Record, cost float64) {
	c := s[cat]
	if c == nil {
		c = &CostShare{Category: cat}
		s[cat] = c
	}
	c.TotalRequests++
	c.TotalTokens = session.SatAdd(c.TotalTokens, r.TotalTokens)
	c.TotalCost += cost
}

func (s shareAcc) ranking(total float64) []CostShare {
	out := lo.MapToSlice(s, func(_ string, c *CostShare) CostShare {
		v := *c
		v.AvgCostPerRequest = v.TotalCost / float64(v.TotalRequests)
		if total > 0 {
			v.CostShare = v.TotalCost / total
		}
		return v
	})
	slices.SortFunc(out, func(a, b CostShare) int {
		if c := cmp.Compare(b.TotalCost, a.TotalCost); c != 0 {
			return c
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return out
}

// Costs slices the cost of recs by model, agent and user. Only
// records with a positive cost participate. A record lacking a
// dimension is left out of that ranking but still counts toward
// the total, so shares in one ranking may sum to less than one.
func Costs(recs iter.Seq2[store.Record, error]) (CostBreakdown, error) {
	var (
		b                    CostBreakdown
		models, agents, usrs = shareAcc{}, shareAcc{}, shareAcc{}
	)
	err := each(recs, func(r store.Record) {
		cost := session.CostOf(r.Cost)
		if cost <= 0 {
			return
		}
		b.TotalCost += cost
		if r.Model != "" {
			models.add(r.Model, r, cost)
		}
		if a, ok := r.Metadata.AgentName(); ok {
			agents.add(a, r, cost)
		}
		if r.UserID != nil && *r.UserID != "" {
			usrs.add(*r.UserID, r, cost)
		}
	})
	if err != nil {
		return CostBreakdown{}, err
	}
	b.ByModel = models.ranking(b.TotalCost)
	b.ByAgent = agents.ranking(b.TotalCost)
	b.ByUser = usrs.ranking(b.TotalCost)
	return b, nil
}
