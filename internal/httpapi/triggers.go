package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
)

type upsertTriggerRequest struct {
	Name        string    `json:"name"`
	Embedding   []float32 `json:"embedding"`
	Description string    `json:"description,omitempty"`
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	patterns, err := s.Store.ListPatterns(r.Context())
	if err != nil {
		writeError(w, svcerr.Storage("list patterns", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": patterns})
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := s.Store.GetPattern(r.Context(), name)
	if err != nil {
		writeError(w, svcerr.Storage("get pattern", err))
		return
	}
	if p == nil {
		writeError(w, svcerr.NotFound("trigger"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpsertTrigger(w http.ResponseWriter, r *http.Request) {
	var req upsertTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || len(req.Embedding) == 0 {
		writeError(w, svcerr.Invalid("name/embedding", "both are required"))
		return
	}

	rc := reqctx.MustFrom(r.Context())
	p := domain.Pattern{
		TenantID:    rc.TenantID,
		Name:        req.Name,
		Embedding:   req.Embedding,
		Description: req.Description,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.Store.UpsertPattern(r.Context(), p); err != nil {
		writeError(w, svcerr.Storage("upsert pattern", err))
		return
	}
	s.Trigger.InvalidatePattern(rc.TenantID, req.Name)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc := reqctx.MustFrom(r.Context())
	if err := s.Store.DeletePattern(r.Context(), name); err != nil {
		writeError(w, svcerr.Storage("delete pattern", err))
		return
	}
	s.Trigger.InvalidatePattern(rc.TenantID, name)
	writeJSON(w, http.StatusNoContent, nil)
}
