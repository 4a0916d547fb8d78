package httpapi

import (
	"net/http"

	"github.com/activekg/activekg/internal/retrieval"
	"github.com/activekg/activekg/internal/storage"
)

type searchRequest struct {
	Query            string                 `json:"query"`
	TopK             int                    `json:"top_k"`
	UseHybrid        bool                   `json:"use_hybrid,omitempty"`
	UseWeightedScore bool                   `json:"use_weighted_score,omitempty"`
	Filters          map[string]interface{} `json:"filters,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	mode := retrieval.ModeVector
	if req.UseHybrid {
		mode = retrieval.ModeHybrid
	}

	opts := retrieval.SearchOptions{
		Mode:     mode,
		TopK:     req.TopK,
		Filter:   filterFromMap(req.Filters),
		Reweight: req.UseWeightedScore,
	}

	result, err := s.Retrieval.Search(r.Context(), req.Query, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// filterFromMap reads the optional class/jsonpath keys a search request may
// carry; any other key is ignored rather than rejected, since the filter
// surface is intentionally narrow (see storage.NodeFilter).
func filterFromMap(m map[string]interface{}) storage.NodeFilter {
	var f storage.NodeFilter
	if m == nil {
		return f
	}
	if raw, ok := m["classes"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.Classes = append(f.Classes, s)
			}
		}
	}
	if jp, ok := m["jsonpath"].(string); ok {
		f.JSONPath = jp
	}
	return f
}
