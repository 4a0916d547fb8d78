package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/activekg/activekg/internal/platform/svcerr"
)

func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	maxDepth := parseIntQuery(r, "max_depth", 10)

	ancestors, err := s.Store.GetLineage(r.Context(), id, maxDepth)
	if err != nil {
		writeError(w, svcerr.Storage("get lineage", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ancestors": ancestors})
}
