package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/activekg/activekg/internal/storage"
)

// AnswerChunk is one unit of a streamed answer: either a text fragment or,
// on the final chunk, the full citation list and rejection reason (if any).
type AnswerChunk struct {
	Text        string    `json:"text,omitempty"`
	Done        bool      `json:"done,omitempty"`
	Citations   []int     `json:"citations,omitempty"`
	Rejected    bool      `json:"rejected,omitempty"`
	RejectWhy   string    `json:"reject_reason,omitempty"`
	ScoreType   ScoreType `json:"score_type,omitempty"`
	Reranked    bool      `json:"reranked,omitempty"`
	GatingScore float64   `json:"gating_score,omitempty"`
}

// AskOptions configures one Ask call; it embeds SearchOptions since Ask's
// first step is an ordinary Search.
type AskOptions struct {
	SearchOptions
}

// Answerer generates natural-language text given a question and its
// supporting contexts. The production implementation would call a hosted
// LLM; none of the example repos in this corpus import an LLM client
// library, so Answerer is a narrow interface the rest of the pipeline is
// built against, with TemplateAnswerer as the default, dependency-free
// implementation (see DESIGN.md).
type Answerer interface {
	// Answer streams response fragments onto out and closes it when done.
	// Each fragment must be wrapped in `[i]` markers referencing the
	// 1-based index of the context it draws from, at least once, whenever
	// contexts is non-empty.
	Answer(ctx context.Context, question string, contexts []storage.ScoredNode, out chan<- string) error
}

// TemplateAnswerer composes an extractive answer from the supplied contexts,
// citing each sentence it draws from. It is the default Answerer: no
// network calls, fully deterministic, and exercises the same citation
// contract a hosted model would have to honor.
type TemplateAnswerer struct{}

func NewTemplateAnswerer() *TemplateAnswerer { return &TemplateAnswerer{} }

func (TemplateAnswerer) Answer(ctx context.Context, question string, contexts []storage.ScoredNode, out chan<- string) error {
	if len(contexts) == 0 {
		return fmt.Errorf("answer called with no contexts")
	}
	for i, c := range contexts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		text := c.Node.Text()
		snippet := firstSentence(text)
		if snippet == "" {
			continue
		}
		fragment := fmt.Sprintf("%s [%d] ", snippet, i+1)
		out <- fragment
	}
	return nil
}

func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 && idx < 400 {
		return strings.TrimSpace(text[:idx+1])
	}
	if len(text) > 240 {
		return strings.TrimSpace(text[:240]) + "..."
	}
	return text
}

const noInformationAnswer = "No information available to answer this question."

// Ask implements the C3 Ask pipeline: retrieve, gate, and stream a cited
// answer. The returned channel is closed once the final chunk (Done=true)
// has been sent; callers must drain it.
func (e *Engine) Ask(ctx context.Context, question string, opts AskOptions) (<-chan AnswerChunk, error) {
	start := time.Now()
	searchOpts := opts.SearchOptions
	if searchOpts.TopK <= 0 {
		searchOpts.TopK = e.cfg.DefaultTopK
	}
	result, err := e.Search(ctx, question, searchOpts)
	if err != nil {
		return nil, err
	}

	out := make(chan AnswerChunk, 4)

	gate := gatingScore(result)
	if len(result.Results) == 0 || gate < e.cfg.AskGateThreshold {
		go func() {
			defer close(out)
			out <- AnswerChunk{Text: noInformationAnswer}
			out <- AnswerChunk{
				Done: true, Rejected: true,
				RejectWhy: rejectReason(len(result.Results), gate, e.cfg.AskGateThreshold),
				ScoreType: result.ScoreType, Reranked: result.Reranked, GatingScore: gate,
			}
		}()
		e.recordAsk(result, true, time.Since(start))
		return out, nil
	}

	go func() {
		defer close(out)
		firstByte := start
		frag := make(chan string, 8)
		errCh := make(chan error, 1)
		go func() {
			defer close(frag)
			errCh <- e.answerer.Answer(ctx, question, result.Results, frag)
		}()

		used := map[int]bool{}
		first := true
		for fragment := range frag {
			if first {
				firstByte = time.Now()
				first = false
				if e.metric != nil {
					e.metric.ObserveHistogram("ask_first_chunk_seconds", firstByte.Sub(start).Seconds(), map[string]string{
						"score_type": string(result.ScoreType),
						"reranked":   boolLabel(result.Reranked),
					})
				}
			}
			for _, idx := range extractCitations(fragment) {
				used[idx] = true
			}
			out <- AnswerChunk{Text: fragment}
		}
		if err := <-errCh; err != nil {
			out <- AnswerChunk{Done: true, Rejected: true, RejectWhy: err.Error(), ScoreType: result.ScoreType, Reranked: result.Reranked}
			return
		}
		citations := make([]int, 0, len(used))
		for idx := range used {
			citations = append(citations, idx)
		}
		out <- AnswerChunk{Done: true, Citations: citations, ScoreType: result.ScoreType, Reranked: result.Reranked, GatingScore: gate}
		e.recordAsk(result, false, time.Since(start))
	}()

	return out, nil
}

func (e *Engine) recordAsk(result SearchResult, gated bool, elapsed time.Duration) {
	if e.metric == nil {
		return
	}
	labels := map[string]string{"score_type": string(result.ScoreType), "reranked": boolLabel(result.Reranked)}
	e.metric.IncCounter("ask_total", labels)
	if gated {
		e.metric.IncCounter("ask_gated_total", labels)
	}
	e.metric.ObserveHistogram("ask_total_seconds", elapsed.Seconds(), labels)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func rejectReason(numResults int, gate, threshold float64) string {
	if numResults == 0 {
		return "empty_corpus"
	}
	return fmt.Sprintf("gating_score_below_threshold(%.4f<%.4f)", gate, threshold)
}

// extractCitations scans a fragment for `[n]` markers and returns the
// referenced 1-based indices.
func extractCitations(fragment string) []int {
	var out []int
	for i := 0; i < len(fragment); i++ {
		if fragment[i] != '[' {
			continue
		}
		j := i + 1
		n := 0
		found := false
		for j < len(fragment) && fragment[j] >= '0' && fragment[j] <= '9' {
			n = n*10 + int(fragment[j]-'0')
			j++
			found = true
		}
		if found && j < len(fragment) && fragment[j] == ']' {
			out = append(out, n)
			i = j
		}
	}
	return out
}
