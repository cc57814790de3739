package server

import "net/http"

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	d, err := s.svc.Request(ctx, r.PathValue("id"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRequestMessages(
	w http.ResponseWriter, r *http.Request,
) {
	ctx, cancel := s.queryContext(r)
	defer cancel()
	m, err := s.svc.RequestMessages(ctx, r.PathValue("id"))
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
