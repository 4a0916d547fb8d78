package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/activekg/activekg/internal/connectorconfig"
	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/reqctx"
)

type registerConnectorRequest struct {
	Bucket     string `json:"bucket,omitempty"`
	Region     string `json:"region,omitempty"`
	FolderID   string `json:"folder_id,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	Credential string `json:"credential,omitempty"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) handleConnectorRegister(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var req registerConnectorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rc := reqctx.MustFrom(r.Context())
	cfg := connector.Config{
		Provider:   provider,
		Bucket:     req.Bucket,
		Region:     req.Region,
		FolderID:   req.FolderID,
		Endpoint:   req.Endpoint,
		Credential: req.Credential,
	}
	if err := s.Connectors.Upsert(r.Context(), rc.TenantID, provider, cfg, req.Enabled); err != nil {
		writeError(w, svcerr.Storage("register connector", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "enabled": req.Enabled})
}

// handleConnectorToggle returns a handler bound to the fixed enable/disable
// value its route was registered with.
func (s *Server) handleConnectorToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		rc := reqctx.MustFrom(r.Context())
		if err := s.Connectors.SetEnabled(r.Context(), rc.TenantID, provider, enable); err != nil {
			writeError(w, svcerr.Storage("toggle connector", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "enabled": enable})
	}
}

func (s *Server) handleConnectorBackfill(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	rc := reqctx.MustFrom(r.Context())

	if s.ConnectorFactory == nil {
		writeError(w, svcerr.ConfigError("no connector factory configured", nil))
		return
	}

	cfg, err := s.Connectors.Resolve(r.Context(), rc.TenantID, provider)
	if err != nil {
		writeError(w, svcerr.Invalid("provider", err.Error()))
		return
	}
	conn, err := s.ConnectorFactory(cfg)
	if err != nil {
		writeError(w, svcerr.ConfigError("build connector", err))
		return
	}
	changes, _, err := conn.ListChanges(r.Context(), "")
	if err != nil {
		writeError(w, svcerr.DependencyUnavailable(provider, err))
		return
	}
	for _, item := range changes {
		if err := s.Worker.Enqueue(r.Context(), provider, rc.TenantID, item); err != nil {
			writeError(w, svcerr.Storage("enqueue change", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": provider, "enqueued": len(changes)})
}

type rotateKeysRequest struct {
	DryRun    bool     `json:"dry_run,omitempty"`
	Providers []string `json:"providers,omitempty"`
	Tenants   []string `json:"tenants,omitempty"`
}

func (s *Server) handleConnectorRotateKeys(w http.ResponseWriter, r *http.Request) {
	var req rotateKeysRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	filter := connectorconfig.Filter{
		Providers: req.Providers,
		Tenants:   req.Tenants,
	}
	var result connectorconfig.RotationResult
	var err error
	if req.DryRun {
		result, err = s.Rotator.RotateBatch(r.Context(), 100, true, filter)
	} else {
		result, err = s.Rotator.RunUntilDrained(r.Context(), 100, 0, filter)
	}
	if err != nil {
		writeError(w, svcerr.Storage("rotate keys", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type purgeDeletedRequest struct {
	TenantID  string `json:"tenant_id,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

func (s *Server) handleConnectorPurgeDeleted(w http.ResponseWriter, r *http.Request) {
	var req purgeDeletedRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = reqctx.MustFrom(r.Context()).TenantID
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	result, err := s.Purger.Purge(r.Context(), tenantID, batchSize, req.DryRun)
	if err != nil {
		writeError(w, svcerr.Storage("purge deleted", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnectorCacheHealth(w http.ResponseWriter, r *http.Request) {
	connected, lastMessageTS, reconnects := s.Subscriber.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected":       connected,
		"last_message_ts": lastMessageTS,
		"reconnects":      reconnects,
	})
}
