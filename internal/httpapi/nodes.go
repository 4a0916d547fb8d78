package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/storage"
)

// gracePeriod is the tombstone-to-hard-delete grace window for a direct
// DELETE call; ingestion's own tombstoning (worker.go) sets the same
// window when a source document disappears upstream.
const gracePeriod = 168 * time.Hour

type createNodeRequest struct {
	Classes       []string               `json:"classes" validate:"required,min=1"`
	Props         map[string]interface{} `json:"props"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	RefreshPolicy *domain.RefreshPolicy   `json:"refresh_policy,omitempty"`
	Triggers      []domain.Trigger       `json:"triggers,omitempty"`
}

type createNodeResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, err)
		return
	}

	n := domain.Node{
		Classes:       req.Classes,
		Props:         req.Props,
		Metadata:      req.Metadata,
		RefreshPolicy: req.RefreshPolicy,
		Triggers:      req.Triggers,
	}
	id, err := s.Store.CreateNode(r.Context(), n)
	if err != nil {
		writeError(w, svcerr.Storage("create node", err))
		return
	}
	writeJSON(w, http.StatusCreated, createNodeResponse{ID: id})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.Store.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, svcerr.Storage("get node", err))
		return
	}
	if n == nil {
		writeError(w, svcerr.NotFound("node"))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type updateNodeRequest struct {
	Version       int64                  `json:"version"`
	Classes       *[]string              `json:"classes,omitempty"`
	Props         map[string]interface{} `json:"props,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	RefreshPolicy *domain.RefreshPolicy  `json:"refresh_policy,omitempty"`
	Triggers      *[]domain.Trigger      `json:"triggers,omitempty"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	patch := storage.Patch{
		Classes:       req.Classes,
		Props:         req.Props,
		Metadata:      req.Metadata,
		RefreshPolicy: req.RefreshPolicy,
		Triggers:      req.Triggers,
	}
	n, err := s.Store.UpdateNode(r.Context(), id, req.Version, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	hard := parseBoolQuery(r, "hard")
	if err := s.Store.DeleteNode(r.Context(), id, hard, gracePeriod); err != nil {
		writeError(w, svcerr.Storage("delete node", err))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	filter := storage.NodeFilter{
		Limit:  parseLimit(r, 50, 500),
		Offset: parseOffset(r),
	}
	if classes := r.URL.Query().Get("classes"); classes != "" {
		filter.Classes = strings.Split(classes, ",")
	}
	nodes, err := s.Store.ListNodes(r.Context(), filter)
	if err != nil {
		writeError(w, svcerr.Storage("list nodes", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	versions, err := s.Store.ListVersions(r.Context(), id)
	if err != nil {
		writeError(w, svcerr.Storage("list versions", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

// recordAccessViolation counts a request that crossed a tenant or scope
// boundary without the error otherwise being observable by the caller (a
// cross-tenant lookup already renders as an ordinary 404, by design, so the
// counter is how operators still see the attempt).
func (s *Server) recordAccessViolation(kind string) {
	if s.Metric == nil {
		return
	}
	s.Metric.AccessViolationsTotal.WithLabelValues(kind).Inc()
}
