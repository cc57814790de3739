package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wesm/spendtrace/internal/session"
)

// maxFilterBody bounds the search request body.
const maxFilterBody = 1 << 20

func (s *Server) handleSearchSessions(
	w http.ResponseWriter, r *http.Request,
) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}

	var f session.Filter
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFilterBody))
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"request body too large")
			return
		}
		writeError(w, http.StatusBadRequest,
			"invalid filter body: "+err.Error())
		return
	}

	ctx, cancel := s.queryContext(r)
	defer cancel()
	sums, err := s.svc.Search(ctx, f, page)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleSessionSummary(
	w http.ResponseWriter, r *http.Request,
) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	sum, err := s.svc.Summary(ctx, r.PathValue("id"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSessionMessages(
	w http.ResponseWriter, r *http.Request,
) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	msgs, err := s.svc.Messages(ctx, r.PathValue("id"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
