package query

import (
	"context"
	"fmt"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wesm/spendtrace/internal/analytics"
	"github.com/wesm/spendtrace/internal/session"
	"github.com/wesm/spendtrace/internal/store"
)

// Scope bounds an analytics query: a trailing window, narrowed by
// an optional record-level filter.
type Scope struct {
	Window analytics.Window
	Filter session.Filter
}

// DefaultScope is the unfiltered seven-day window.
func DefaultScope() Scope {
	return Scope{Window: analytics.DefaultWindow()}
}

// storeQuery validates sc and returns the store query it implies
// along with the window start. The later of the window start and
// the filter's start_date wins.
func (s *Service) storeQuery(sc Scope) (store.Query, time.Time, error) {
	if err := sc.Window.Validate(); err != nil {
		return store.Query{}, time.Time{}, err
	}
	if err := sc.Filter.Validate(); err != nil {
		return store.Query{}, time.Time{}, err
	}
	since := sc.Window.Since(s.now())
	q := sc.Filter.StoreQuery()
	if q.Since == nil || q.Since.Before(since) {
		q.Since = &since
	}
	q.OrderByStart = true
	return q, since, nil
}

// cohort runs fn over the scoped records inside a span.
func cohort[T any](
	ctx context.Context,
	s *Service,
	op string,
	sc Scope,
	fn func(iter.Seq2[store.Record, error]) (T, error),
) (T, time.Time, error) {
	var zero T
	q, since, err := s.storeQuery(sc)
	if err != nil {
		return zero, since, err
	}
	ctx, span := s.tracer.Start(ctx, "query."+op,
		trace.WithAttributes(attribute.Int("spendtrace.days", sc.Window.Days)))
	defer span.End()

	var t tally
	out, err := fn(s.scan(ctx, q, sc.Filter.MatchRecord, &t))
	if err != nil {
		return zero, since, s.finish(span, wrap(op, err))
	}
	s.report(op, &t)
	return out, since, nil
}

// Overview returns the rollup of the scoped window.
func (s *Service) Overview(
	ctx context.Context, sc Scope,
) (analytics.Overview, error) {
	o, since, err := cohort(ctx, s, "overview", sc, analytics.ComputeOverview)
	if err != nil {
		return analytics.Overview{}, err
	}
	o.Days = sc.Window.Days
	o.WindowStart = since
	return o, nil
}

// Models returns the by-model cohort.
func (s *Service) Models(
	ctx context.Context, sc Scope,
) ([]analytics.ModelStats, error) {
	out, _, err := cohort(ctx, s, "models", sc, analytics.Models)
	return out, err
}

// Agents returns the by-agent cohort.
func (s *Service) Agents(
	ctx context.Context, sc Scope,
) ([]analytics.AgentStats, error) {
	out, _, err := cohort(ctx, s, "agents", sc, analytics.Agents)
	return out, err
}

// CostBreakdown returns cost ranked by model, agent and user.
func (s *Service) CostBreakdown(
	ctx context.Context, sc Scope,
) (analytics.CostBreakdown, error) {
	out, _, err := cohort(ctx, s, "costs", sc, analytics.Costs)
	return out, err
}

// Trends validates its input eagerly, then returns a lazy sequence
// of buckets. A nil loc means UTC. The store is only read while
// the sequence is iterated, one bucket at a time.
func (s *Service) Trends(
	ctx context.Context,
	sc Scope,
	g analytics.Granularity,
	loc *time.Location,
) (iter.Seq2[analytics.TrendBucket, error], error) {
	g, err := analytics.ParseGranularity(string(g))
	if err != nil {
		return nil, err
	}
	q, _, err := s.storeQuery(sc)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return func(yield func(analytics.TrendBucket, error) bool) {
		ctx, span := s.tracer.Start(ctx, "query.trends",
			trace.WithAttributes(
				attribute.Int("spendtrace.days", sc.Window.Days),
				attribute.String("spendtrace.granularity", string(g)),
			))
		defer span.End()

		var t tally
		recs := s.scan(ctx, q, sc.Filter.MatchRecord, &t)
		for b, err := range analytics.Trends(recs, g, loc) {
			if err != nil {
				yield(b, s.finish(span, wrap("trends", err)))
				return
			}
			if !yield(b, nil) {
				return
			}
		}
		s.report("trends", &t)
	}, nil
}

// Kind names an analytics cohort.
type Kind string

const (
	KindOverview Kind = "overview"
	KindModels   Kind = "models"
	KindAgents   Kind = "agents"
	KindTrends   Kind = "trends"
	KindCosts    Kind = "costs"
)

// AnalyticsRequest selects a cohort and its parameters.
// Granularity and Location apply to trends; GroupBy narrows a cost
// breakdown to one ranking.
type AnalyticsRequest struct {
	Kind        Kind
	Scope       Scope
	Granularity analytics.Granularity
	Location    *time.Location
	GroupBy     analytics.Dimension
}

// Analytics dispatches req to the matching cohort operation.
func (s *Service) Analytics(
	ctx context.Context, req AnalyticsRequest,
) (any, error) {
	switch req.Kind {
	case KindOverview:
		return s.Overview(ctx, req.Scope)
	case KindModels:
		return s.Models(ctx, req.Scope)
	case KindAgents:
		return s.Agents(ctx, req.Scope)
	case KindTrends:
		seq, err := s.Trends(ctx, req.Scope, req.Granularity, req.Location)
		if err != nil {
			return nil, err
		}
		return analytics.CollectTrends(seq)
	case KindCosts:
		b, err := s.CostBreakdown(ctx, req.Scope)
		if err != nil {
			return nil, err
		}
		if req.GroupBy != "" {
			return b.Slice(req.GroupBy), nil
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unknown cohort %q", ErrInvalidParam, req.Kind)
}
