package httpapi

import (
	"net/http"

	"github.com/activekg/activekg/internal/platform/svcerr"
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	eventType := r.URL.Query().Get("event_type")
	limit := parseLimit(r, 50, 500)

	events, err := s.Store.ListEvents(r.Context(), nodeID, eventType, limit)
	if err != nil {
		writeError(w, svcerr.Storage("list events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
