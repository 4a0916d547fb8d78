package httpapi

import (
	"net/http"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/svcerr"
)

type createEdgeRequest struct {
	Src   string                 `json:"src"`
	Rel   string                 `json:"rel"`
	Dst   string                 `json:"dst"`
	Props map[string]interface{} `json:"props,omitempty"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Src == "" || req.Rel == "" || req.Dst == "" {
		writeError(w, svcerr.Invalid("src/rel/dst", "all three are required"))
		return
	}
	edge := domain.Edge{Src: req.Src, Rel: req.Rel, Dst: req.Dst, Props: req.Props}
	if err := s.Store.CreateEdge(r.Context(), edge); err != nil {
		writeError(w, svcerr.Storage("create edge", err))
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}
