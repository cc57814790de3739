package server

import (
	"encoding/json"
	"io"
	"iter"
	"net/http"

	"github.com/wesm/spendtrace/internal/analytics"
	"github.com/wesm/spendtrace/internal/query"
)

// serveCohort handles the analytics routes that return one value.
func (s *Server) serveCohort(
	w http.ResponseWriter, r *http.Request, req query.AnalyticsRequest,
) {
	sc, ok := parseScope(w, r)
	if !ok {
		return
	}
	req.Scope = sc

	ctx, cancel := s.queryContext(r)
	defer cancel()
	result, err := s.svc.Analytics(ctx, req)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	s.serveCohort(w, r, query.AnalyticsRequest{Kind: query.KindOverview})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.serveCohort(w, r, query.AnalyticsRequest{Kind: query.KindModels})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	s.serveCohort(w, r, query.AnalyticsRequest{Kind: query.KindAgents})
}

func (s *Server) handleCostBreakdown(
	w http.ResponseWriter, r *http.Request,
) {
	req := query.AnalyticsRequest{Kind: query.KindCosts}
	if g := r.URL.Query().Get("group_by"); g != "" {
		d, err := analytics.ParseDimension(g)
		if err != nil {
			s.writeQueryError(w, r, err)
			return
		}
		req.GroupBy = d
	}
	s.serveCohort(w, r, req)
}

// handleUsageTrends streams buckets as a JSON array. The first
// bucket is pulled before the status line is written, so failures
// that happen up front still get a proper error status. A failure
// after that leaves the array unterminated.
func (s *Server) handleUsageTrends(
	w http.ResponseWriter, r *http.Request,
) {
	sc, ok := parseScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	loc, err := analytics.LoadLocation(q.Get("timezone"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	seq, err := s.svc.Trends(
		ctx, sc, analytics.Granularity(q.Get("granularity")), loc,
	)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	next, stop := iter.Pull2(seq)
	defer stop()
	b, err, more := next()
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	io.WriteString(w, "[")
	for n := 0; more; n++ {
		if err != nil {
			s.log.WithError(err).Error("usage trends: stream aborted")
			return
		}
		if n > 0 {
			io.WriteString(w, ",")
		}
		data, mErr := json.Marshal(b)
		if mErr != nil {
			s.log.WithError(mErr).Error("usage trends: encoding bucket")
			return
		}
		if _, wErr := w.Write(data); wErr != nil {
			return
		}
		_ = rc.Flush()
		b, err, more = next()
	}
	io.WriteString(w, "]\n")
}
