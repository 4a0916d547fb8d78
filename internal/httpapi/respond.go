// Package httpapi implements C8: the chi-routed HTTP surface over the
// storage/retrieval/scheduler/trigger/ingestion/connectorconfig engines,
// grounded on the teacher's infrastructure/httputil generic-handler-wrapper
// idiom (HandleJSON[Req,Resp]) and infrastructure/middleware/ratelimit.go's
// RateLimiter, adapted here to activekg's svcerr.ServiceError taxonomy and
// a Redis-backed limiter/concurrency-cap pair instead of process-local
// token buckets, since rate-limit state must be shared across replicas
// per spec.md §5.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/activekg/activekg/internal/platform/svcerr"
)

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the stable {detail, error_type} body spec.md §7
// requires. Non-ServiceError values are treated as unexpected internal
// failures and never leak their message to the caller.
func writeError(w http.ResponseWriter, err error) {
	if se, ok := svcerr.As(err); ok {
		writeJSON(w, se.HTTPStatus, se)
		return
	}
	writeJSON(w, http.StatusInternalServerError, &svcerr.ServiceError{
		Code:    svcerr.CodeStorage,
		Message: "internal error",
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return svcerr.Invalid("body", "malformed json: "+err.Error())
	}
	return nil
}
