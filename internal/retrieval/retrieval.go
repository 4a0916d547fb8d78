// Package retrieval implements C3: vector/lexical/hybrid search and the
// cited Ask pipeline, grounded on the reference RAG service's
// Retrieve()/FuseAndDiversify() shape (parallel candidate fetch, pluggable
// fusion, optional rerank, stage-latency metrics) and generalized to the
// RRF-vs-weighted-fusion, recency/drift reweighting, and citation-gated
// answering this system's spec requires.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/embedding"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/storage"
)

// Mode selects which candidate source(s) Search consults.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeLexical Mode = "lexical"
	ModeHybrid  Mode = "hybrid"
)

// FusionMode selects how hybrid mode combines vector and lexical candidate
// lists. It is a process-wide setting (set once at startup from config),
// never per-request, so callers can rely on score_type staying stable for
// the process lifetime.
type FusionMode string

const (
	FusionRRF      FusionMode = "rrf"
	FusionWeighted FusionMode = "weighted"
)

// ScoreType identifies, in the response, which scoring method produced the
// ranking — vector/lexical for single-mode search, rrf/weighted for hybrid.
type ScoreType string

const (
	ScoreVector   ScoreType = "vector"
	ScoreLexical  ScoreType = "lexical"
	ScoreRRF      ScoreType = "rrf"
	ScoreWeighted ScoreType = "weighted"
)

// rrfK is the RRF constant k (spec default 60).
const rrfK = 60.0

// Config holds process-wide retrieval tuning.
type Config struct {
	Fusion             FusionMode
	Alpha              float64 // weighted fusion: vector weight
	Beta               float64 // weighted fusion: lexical weight
	RecencyLambda      float64 // reweighting: age decay rate per day
	DriftBeta          float64 // reweighting: drift decay rate
	RerankTopN         int
	AskGateThreshold   float64 // gating score below this yields "no information available"
	DefaultTopK        int
}

func DefaultConfig() Config {
	return Config{
		Fusion: FusionRRF, Alpha: 0.5, Beta: 0.5,
		RecencyLambda: 0.01, DriftBeta: 0.5,
		RerankTopN: 50, AskGateThreshold: 0.05, DefaultTopK: 10,
	}
}

// SearchOptions configures one Search call.
type SearchOptions struct {
	Mode      Mode
	TopK      int
	Filter    storage.NodeFilter
	Reweight  bool
	Rerank    bool
}

// SearchResult is Search's return value; ScoreType lets callers and tests
// assert which ranking method actually ran.
type SearchResult struct {
	Results   []storage.ScoredNode `json:"results"`
	ScoreType ScoreType            `json:"score_type"`
	Reranked  bool                 `json:"reranked"`
}

// Reranker re-scores a candidate list, typically via a cross-encoder model.
// Unavailable/erroring rerankers must not fail the request — Search falls
// back to the base score.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []storage.ScoredNode) ([]storage.ScoredNode, error)
}

// NoopReranker returns candidates unchanged; the default when no reranker
// is configured, matching the reference RAG service's NoopReranker.
type NoopReranker struct{}

func (NoopReranker) Rerank(_ context.Context, _ string, candidates []storage.ScoredNode) ([]storage.ScoredNode, error) {
	return candidates, nil
}

// Engine is the C3 contract implementation.
type Engine struct {
	store    storage.Store
	embedder embedding.Provider
	rerank   Reranker
	answerer Answerer
	cfg      Config
	log      *logging.Logger
	metric   *metrics.Registry
}

func NewEngine(store storage.Store, embedder embedding.Provider, rerank Reranker, answerer Answerer, cfg Config, log *logging.Logger, m *metrics.Registry) *Engine {
	if rerank == nil {
		rerank = NoopReranker{}
	}
	if answerer == nil {
		answerer = NewTemplateAnswerer()
	}
	return &Engine{store: store, embedder: embedder, rerank: rerank, answerer: answerer, cfg: cfg, log: log, metric: m}
}

// Search implements Search(query, opts) -> []ScoredNode.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (SearchResult, error) {
	start := time.Now()
	if opts.TopK <= 0 {
		opts.TopK = e.cfg.DefaultTopK
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	var (
		vecResults []storage.ScoredNode
		lexResults []storage.ScoredNode
		scoreType  ScoreType
		fused      []storage.ScoredNode
		err        error
	)

	switch mode {
	case ModeVector:
		vecResults, err = e.vectorCandidates(ctx, query, opts)
		if err != nil {
			return SearchResult{}, err
		}
		fused = vecResults
		scoreType = ScoreVector
	case ModeLexical:
		lexResults, err = e.store.LexicalSearch(ctx, query, opts.TopK, opts.Filter)
		if err != nil {
			return SearchResult{}, svcerr.Storage("lexical search", err)
		}
		fused = lexResults
		scoreType = ScoreLexical
	case ModeHybrid:
		candidateK := opts.TopK
		if e.cfg.RerankTopN > candidateK {
			candidateK = e.cfg.RerankTopN
		}
		vecOpts := opts
		vecOpts.TopK = candidateK
		vecResults, err = e.vectorCandidates(ctx, query, vecOpts)
		if err != nil {
			return SearchResult{}, err
		}
		lexResults, err = e.store.LexicalSearch(ctx, query, candidateK, opts.Filter)
		if err != nil {
			return SearchResult{}, svcerr.Storage("lexical search", err)
		}
		switch e.cfg.Fusion {
		case FusionWeighted:
			fused = weightedFuse(vecResults, lexResults, e.cfg.Alpha, e.cfg.Beta)
			scoreType = ScoreWeighted
		default:
			fused = reciprocalRankFuse(vecResults, lexResults)
			scoreType = ScoreRRF
		}
	default:
		return SearchResult{}, svcerr.Invalid("mode", fmt.Sprintf("unknown search mode %q", mode))
	}

	if opts.Reweight {
		reweight(fused, time.Now(), e.cfg.RecencyLambda, e.cfg.DriftBeta)
		sort.Slice(fused, func(i, j int) bool { return fused[i].Similarity > fused[j].Similarity })
	}

	reranked := false
	if opts.Rerank {
		top := fused
		if len(top) > e.cfg.RerankTopN {
			top = top[:e.cfg.RerankTopN]
		}
		rr, rerr := e.rerank.Rerank(ctx, query, top)
		if rerr == nil {
			fused = append(rr, fused[len(top):]...)
			reranked = true
		}
	}

	if len(fused) > opts.TopK {
		fused = fused[:opts.TopK]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}

	if e.metric != nil {
		e.metric.IncCounter("search_total", map[string]string{"mode": string(mode), "fusion": string(e.cfg.Fusion)})
		e.metric.ObserveHistogram("search_duration_seconds", time.Since(start).Seconds(), map[string]string{"mode": string(mode)})
	}

	return SearchResult{Results: fused, ScoreType: scoreType, Reranked: reranked}, nil
}

func (e *Engine) vectorCandidates(ctx context.Context, query string, opts SearchOptions) ([]storage.ScoredNode, error) {
	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, svcerr.DependencyUnavailable("embedding provider", err)
	}
	results, err := e.store.VectorSearch(ctx, qvec, opts.TopK, opts.Filter)
	if err != nil {
		return nil, svcerr.Storage("vector search", err)
	}
	return results, nil
}

// reciprocalRankFuse combines two ranked lists via RRF: score(doc) =
// sum over lists containing doc of 1/(k+rank). Documents in only one list
// still score, just lower than ones present in both.
func reciprocalRankFuse(a, b []storage.ScoredNode) []storage.ScoredNode {
	scores := map[string]float64{}
	nodes := map[string]domain.Node{}
	for rank, r := range a {
		scores[r.Node.ID] += 1.0 / (rrfK + float64(rank+1))
		nodes[r.Node.ID] = r.Node
	}
	for rank, r := range b {
		scores[r.Node.ID] += 1.0 / (rrfK + float64(rank+1))
		nodes[r.Node.ID] = r.Node
	}
	return toSortedScoredNodes(scores, nodes)
}

// weightedFuse min-max normalizes each list's scores to [0,1] then combines
// alpha*vector + beta*lexical. A node present in only one list is scored
// using only that list's contribution (the other term is treated as 0).
func weightedFuse(vec, lex []storage.ScoredNode, alpha, beta float64) []storage.ScoredNode {
	vecNorm := normalizeScores(vec)
	lexNorm := normalizeScores(lex)
	scores := map[string]float64{}
	nodes := map[string]domain.Node{}
	for id, s := range vecNorm {
		scores[id] += alpha * s
	}
	for id, s := range lexNorm {
		scores[id] += beta * s
	}
	for _, r := range vec {
		nodes[r.Node.ID] = r.Node
	}
	for _, r := range lex {
		nodes[r.Node.ID] = r.Node
	}
	return toSortedScoredNodes(scores, nodes)
}

func normalizeScores(results []storage.ScoredNode) map[string]float64 {
	out := map[string]float64{}
	if len(results) == 0 {
		return out
	}
	min, max := results[0].Similarity, results[0].Similarity
	for _, r := range results {
		if r.Similarity < min {
			min = r.Similarity
		}
		if r.Similarity > max {
			max = r.Similarity
		}
	}
	span := max - min
	for _, r := range results {
		if span == 0 {
			out[r.Node.ID] = 1
		} else {
			out[r.Node.ID] = (r.Similarity - min) / span
		}
	}
	return out
}

func toSortedScoredNodes(scores map[string]float64, nodes map[string]domain.Node) []storage.ScoredNode {
	out := make([]storage.ScoredNode, 0, len(scores))
	for id, score := range scores {
		out = append(out, storage.ScoredNode{Node: nodes[id], Similarity: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// reweight multiplies each result's similarity by exp(-lambda*age_days) *
// exp(-beta*drift_score), ranking only — the base score is not persisted.
func reweight(results []storage.ScoredNode, now time.Time, lambda, beta float64) {
	for i := range results {
		ageDays := now.Sub(results[i].Node.CreatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		factor := math.Exp(-lambda*ageDays) * math.Exp(-beta*results[i].Node.DriftScore)
		results[i].Similarity *= factor
	}
}

// gatingScore returns the score used to gate Ask per spec.md C3 step 2:
// the top result's score under whichever method produced the ranking.
func gatingScore(result SearchResult) float64 {
	if len(result.Results) == 0 {
		return 0
	}
	return result.Results[0].Similarity
}
