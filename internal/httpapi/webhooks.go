package httpapi

import (
	"io"
	"net/http"

	"github.com/activekg/activekg/internal/platform/svcerr"
)

// maxWebhookBody mirrors ingestion.DefaultWebhookConfig's MaxBodyBytes; kept
// separate since Ingress does not expose its configured limit.
const maxWebhookBody = 1 << 20

func (s *Server) handleWebhookS3(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, svcerr.Invalid("body", "body exceeds maximum size or could not be read"))
		return
	}

	tenantID, items, err := s.Ingress.HandleSNS(r.Context(), body)
	if err != nil {
		writeError(w, svcerr.Invalid("body", err.Error()))
		return
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "duplicate"})
		return
	}
	for _, item := range items {
		if err := s.Worker.Enqueue(r.Context(), "s3", tenantID, item); err != nil {
			writeError(w, svcerr.Storage("enqueue change", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "count": len(items), "tenant_id": tenantID})
}

func (s *Server) handleWebhookGCS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, svcerr.Invalid("body", "body exceeds maximum size or could not be read"))
		return
	}

	secret := r.Header.Get("X-Goog-Pubsub-Secret")
	tenantID, items, err := s.Ingress.HandleGCS(r.Context(), secret, body)
	if err != nil {
		writeError(w, svcerr.Invalid("body", err.Error()))
		return
	}
	if len(items) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "duplicate"})
		return
	}
	for _, item := range items {
		if err := s.Worker.Enqueue(r.Context(), "gcs", tenantID, item); err != nil {
			writeError(w, svcerr.Storage("enqueue change", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued", "count": len(items), "tenant_id": tenantID})
}
