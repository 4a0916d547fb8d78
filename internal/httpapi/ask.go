package httpapi

import (
	"fmt"
	"net/http"

	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/retrieval"
)

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

type askMetadata struct {
	GatingScore     float64 `json:"gating_score"`
	GatingScoreType string  `json:"gating_score_type"`
	CitedNodes      int     `json:"cited_nodes"`
	Reason          string  `json:"reason,omitempty"`
}

type askResponse struct {
	Answer     string      `json:"answer"`
	Citations  []int       `json:"citations"`
	Confidence float64     `json:"confidence"`
	Metadata   askMetadata `json:"metadata"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Question == "" {
		writeError(w, svcerr.Invalid("question", "question is required"))
		return
	}

	chunks, err := s.Retrieval.Ask(r.Context(), req.Question, retrieval.AskOptions{
		SearchOptions: retrieval.SearchOptions{Mode: retrieval.ModeHybrid, TopK: req.TopK},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	var answer string
	var final askResponse
	for chunk := range chunks {
		answer += chunk.Text
		if chunk.Done {
			final.Citations = chunk.Citations
			final.Metadata.Reason = chunk.RejectWhy
			final.Metadata.GatingScore = chunk.GatingScore
			final.Metadata.GatingScoreType = string(chunk.ScoreType)
			final.Metadata.CitedNodes = len(chunk.Citations)
			if !chunk.Rejected {
				final.Confidence = chunk.GatingScore
			}
		}
	}
	final.Answer = answer
	writeJSON(w, http.StatusOK, final)
}

// handleAskStream streams tokens as SSE lines, per spec.md §6: each
// fragment becomes "data: <token>\n\n"; the stream ends with
// "data: [DONE]\n\n". Only fragment text is written; citations are not
// sent on the stream (the non-streaming endpoint returns them).
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Question == "" {
		writeError(w, svcerr.Invalid("question", "question is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, svcerr.ConfigError("streaming unsupported", nil))
		return
	}

	chunks, err := s.Retrieval.Ask(r.Context(), req.Question, retrieval.AskOptions{
		SearchOptions: retrieval.SearchOptions{Mode: retrieval.ModeHybrid, TopK: req.TopK},
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if chunk.Text != "" {
			fmt.Fprintf(w, "data: %s\n\n", chunk.Text)
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
