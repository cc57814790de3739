package analytics

import (
	"cmp"
	"iter"
	"slices"

	"github.com/samber/lo"

	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

// --- Models ---

// ModelStats is the by-model cohort.
type ModelStats struct {
	Model         string `json:"model"`
	Provider      string `json:"provider"`
	TotalRequests int64  `json:"total_requests"`
	Usage
}

// Models groups recs by model. Records without a model are
// skipped. The result is ordered by request count descending, then
// model name.
func Models(recs iter.Seq2[store.Record, error]) ([]ModelStats, error) {
	type acc struct {
		provider string
		u        usageAcc
	}
	groups := make(map[string]*acc)
	err := each(recs, func(r store.Record) {
		if r.Model == "" {
			return
		}
		g := groups[r.Model]
		if g == nil {
			g = &acc{}
			groups[r.Model] = g
		}
		if g.provider == "" {
			g.provider = r.Provider
		}
		g.u.add(r)
	})
	if err != nil {
		return nil, err
	}

	out := lo.MapToSlice(groups, func(model string, g *acc) ModelStats {
		return ModelStats{
			Model:         model,
			Provider:      g.provider,
			TotalRequests: g.u.requests,
			Usage:         g.u.usage(),
		}
	})
	slices.SortFunc(out, func(a, b ModelStats) int {
		if c := cmp.Compare(b.TotalRequests, a.TotalRequests); c != 0 {
			return c
		}
		return cmp.Compare(a.Model, b.Model)
	})
	return out, nil
}

// --- Agents ---

// AgentStats is the by-agent cohort.
type AgentStats struct {
	AgentName         string `json:"agent_name"`
	UniqueSessions    int64  `json:"unique_sessions"`
	TotalInteractions int64  `json:"total_interactions"`
	Usage
	// AvgConversationLength is the mean byte length of the
	// messages and response payloads per interaction.
	AvgConversationLength float64 `json:"avg_conversation_length"`
	FunctionCalls         int64   `json:"function_calls"`
}

// Agents groups recs by metadata agent_name. Records without an
// agent name are excluded rather than pooled. The result is
// ordered by interactions descending, then agent name.
func Agents(recs iter.Seq2[store.Record, error]) ([]AgentStats, error) {
	type acc struct {
		u        usageAcc
		sessions map[string]struct{}
		length   int64
		calls    int64
	}
	groups := make(map[string]*acc)
	err := each(recs, func(r store.Record) {
		name, ok := r.Metadata.AgentName()
		if !ok {
			return
		}
		g := groups[name]
		if g == nil {
			g = &acc{sessions: make(map[string]struct{})}
			groups[name] = g
		}
		g.u.add(r)
		g.sessions[r.SessionKey()] = struct{}{}
		g.length = session.SatAdd(
			g.length, int64(len(r.Messages)+len(r.Response)),
		)
		g.calls = session.SatAdd(g.calls, r.FunctionCallCount)
	})
	if err != nil {
		return nil, err
	}

	out := lo.MapToSlice(groups, func(name string, g *acc) AgentStats {
		return AgentStats{
			AgentName:             name,
			UniqueSessions:        int64(len(g.sessions)),
			TotalInteractions:     g.u.requests,
			Usage:                 g.u.usage(),
			AvgConversationLength: float64(g.length) / float64(g.u.requests),
			FunctionCalls:         g.calls,
		}
	})
	slices.SortFunc(out, func(a, b AgentStats) int {
		if c := cmp.Compare(b.TotalInteractions, a.TotalInteractions); c != 0 {
			return c
		}
		return cmp.Compare(a.AgentName, b.AgentName)
	})
	return out, nil
}
