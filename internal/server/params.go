package server

import (
	"net/http"
	"strconv"

	"github.com/wesm/spendtrace/internal/analytics"
	"github.com/wesm/spendtrace/internal/query"
	"github.com/wesm/spendtrace/internal/session"
)

// parseIntParam reads an optional integer query parameter. An
// absent parameter yields 0. A malformed one writes a 400 and
// returns false.
func parseIntParam(
	w http.ResponseWriter, r *http.Request, name string,
) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, http.StatusBadRequest,
			"invalid "+name+": must be an integer")
		return 0, false
	}
	return v, true
}

// parsePage reads limit and offset. Range checks are left to the
// query service so every caller reports them the same way.
func parsePage(
	w http.ResponseWriter, r *http.Request,
) (query.Page, bool) {
	p := query.DefaultPage()
	if r.URL.Query().Has("limit") {
		v, ok := parseIntParam(w, r, "limit")
		if !ok {
			return p, false
		}
		p.Limit = v
	}
	v, ok := parseIntParam(w, r, "offset")
	if !ok {
		return p, false
	}
	p.Offset = v
	return p, true
}

// parseScope reads the trailing window and the model, user_id
// and agent_name scope parameters shared by analytics routes.
func parseScope(
	w http.ResponseWriter, r *http.Request,
) (query.Scope, bool) {
	sc := query.DefaultScope()
	if r.URL.Query().Has("days") {
		v, ok := parseIntParam(w, r, "days")
		if !ok {
			return sc, false
		}
		sc.Window = analytics.Window{Days: v}
	}
	q := r.URL.Query()
	sc.Filter = session.Filter{
		Model:     optional(q.Get("model")),
		UserID:    optional(q.Get("user_id")),
		AgentName: optional(q.Get("agent_name")),
	}
	return sc, true
}

// optional treats an empty parameter as absent.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
