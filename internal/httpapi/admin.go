package httpapi

import (
	"net/http"
	"time"

	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
)

func (s *Server) handleAdminMigrate(w http.ResponseWriter, r *http.Request) {
	if s.Migrate == nil {
		writeError(w, svcerr.ConfigError("migrate not configured", nil))
		return
	}
	applied, err := s.Migrate(s.DatabaseDSN)
	if err != nil {
		writeError(w, svcerr.Storage("apply migrations", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

type refreshRequest struct {
	NodeIDs []string `json:"node_ids,omitempty"`
}

func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	rc := reqctx.MustFrom(r.Context())
	n, err := s.Scheduler.ForceRefresh(r.Context(), rc.TenantID, req.NodeIDs)
	if err != nil {
		writeError(w, svcerr.Storage("force refresh", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refreshed": n})
}

// handleAdminAnomalies reports nodes whose refresh is overdue, using the
// same due-node scan the scheduler runs (at most 500 nodes); it does not
// introduce a separate anomaly store. Drift spikes are not reported:
// embedding history is not consulted.
func (s *Server) handleAdminAnomalies(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.MustFrom(r.Context())
	overdue, err := s.Store.ListDueNodes(r.Context(), 500, time.Now().UTC())
	if err != nil {
		writeError(w, svcerr.Storage("list due nodes", err))
		return
	}
	ids := make([]string, 0, len(overdue))
	for _, n := range overdue {
		ids = append(ids, n.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":     rc.TenantID,
		"overdue_nodes": ids,
		"count":         len(ids),
	})
}
