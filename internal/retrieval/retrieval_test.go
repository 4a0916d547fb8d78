package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/embedding"
	"github.com/activekg/activekg/internal/storage"
)

type fakeStore struct {
	storage.Store
	vector  []storage.ScoredNode
	lexical []storage.ScoredNode
}

func (f *fakeStore) VectorSearch(_ context.Context, _ []float32, topK int, _ storage.NodeFilter) ([]storage.ScoredNode, error) {
	return truncateScored(f.vector, topK), nil
}

func (f *fakeStore) LexicalSearch(_ context.Context, _ string, topK int, _ storage.NodeFilter) ([]storage.ScoredNode, error) {
	return truncateScored(f.lexical, topK), nil
}

func truncateScored(in []storage.ScoredNode, topK int) []storage.ScoredNode {
	if topK > 0 && len(in) > topK {
		return in[:topK]
	}
	return in
}

func node(id string, age time.Duration, drift float64) domain.Node {
	return domain.Node{ID: id, CreatedAt: time.Now().Add(-age), DriftScore: drift}
}

func newTestEngine(store storage.Store, cfg Config) *Engine {
	return NewEngine(store, embedding.NewHashProvider(embedding.DefaultConfig()), nil, nil, cfg, nil, nil)
}

func TestSearchHybridRRFCombinesBothLists(t *testing.T) {
	store := &fakeStore{
		vector:  []storage.ScoredNode{{Node: node("a", 0, 0), Similarity: 0.9}, {Node: node("b", 0, 0), Similarity: 0.5}},
		lexical: []storage.ScoredNode{{Node: node("b", 0, 0), Similarity: 3.0}, {Node: node("c", 0, 0), Similarity: 1.0}},
	}
	cfg := DefaultConfig()
	cfg.Fusion = FusionRRF
	e := newTestEngine(store, cfg)

	result, err := e.Search(context.Background(), "query", SearchOptions{Mode: ModeHybrid, TopK: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.ScoreType != ScoreRRF {
		t.Fatalf("expected score_type rrf, got %s", result.ScoreType)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(result.Results))
	}
	// "b" appears in both lists so it must rank first.
	if result.Results[0].Node.ID != "b" {
		t.Fatalf("expected node b (present in both lists) to rank first, got %s", result.Results[0].Node.ID)
	}
}

func TestSearchHybridWeightedNormalizesAndCombines(t *testing.T) {
	store := &fakeStore{
		vector:  []storage.ScoredNode{{Node: node("a", 0, 0), Similarity: 1.0}, {Node: node("b", 0, 0), Similarity: 0.0}},
		lexical: []storage.ScoredNode{{Node: node("a", 0, 0), Similarity: 0.0}, {Node: node("b", 0, 0), Similarity: 1.0}},
	}
	cfg := DefaultConfig()
	cfg.Fusion = FusionWeighted
	cfg.Alpha, cfg.Beta = 0.5, 0.5
	e := newTestEngine(store, cfg)

	result, err := e.Search(context.Background(), "query", SearchOptions{Mode: ModeHybrid, TopK: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.ScoreType != ScoreWeighted {
		t.Fatalf("expected score_type weighted, got %s", result.ScoreType)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	// Both nodes get equal 0.5*1 + 0.5*0 combined score; tie is fine, just check both present.
	ids := map[string]bool{result.Results[0].Node.ID: true, result.Results[1].Node.ID: true}
	if !ids["a"] || !ids["b"] {
		t.Fatalf("expected both nodes in fused result, got %+v", result.Results)
	}
}

func TestSearchReweightPenalizesOldAndDrifted(t *testing.T) {
	store := &fakeStore{
		vector: []storage.ScoredNode{
			{Node: node("fresh", 0, 0), Similarity: 0.8},
			{Node: node("stale", 365*24*time.Hour, 0.9), Similarity: 0.81},
		},
	}
	cfg := DefaultConfig()
	e := newTestEngine(store, cfg)

	result, err := e.Search(context.Background(), "query", SearchOptions{Mode: ModeVector, TopK: 10, Reweight: true})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.Results[0].Node.ID != "fresh" {
		t.Fatalf("expected reweighting to favor the fresh, undrifted node, got %s first", result.Results[0].Node.ID)
	}
}

func TestSearchUnknownModeIsRejected(t *testing.T) {
	e := newTestEngine(&fakeStore{}, DefaultConfig())
	_, err := e.Search(context.Background(), "q", SearchOptions{Mode: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSearchEmptyCorpusReturnsZeroResultsNotError(t *testing.T) {
	e := newTestEngine(&fakeStore{}, DefaultConfig())
	result, err := e.Search(context.Background(), "q", SearchOptions{Mode: ModeVector})
	if err != nil {
		t.Fatalf("expected no error for empty corpus, got %v", err)
	}
	if len(result.Results) != 0 {
		t.Fatalf("expected zero results, got %d", len(result.Results))
	}
}

func TestAskBelowGateThresholdReturnsNoInformation(t *testing.T) {
	store := &fakeStore{
		vector: []storage.ScoredNode{{Node: node("a", 0, 0), Similarity: 0.01}},
	}
	cfg := DefaultConfig()
	cfg.AskGateThreshold = 0.5
	e := newTestEngine(store, cfg)

	ch, err := e.Ask(context.Background(), "what is this?", AskOptions{SearchOptions{Mode: ModeVector}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	var gotReject bool
	for chunk := range ch {
		if chunk.Rejected {
			gotReject = true
		}
	}
	if !gotReject {
		t.Fatal("expected a rejected chunk when gating score is below threshold")
	}
}

func TestAskAboveThresholdCitesContexts(t *testing.T) {
	store := &fakeStore{
		vector: []storage.ScoredNode{{Node: withText("a", "The sky is blue. It contains nitrogen."), Similarity: 0.9}},
	}
	cfg := DefaultConfig()
	cfg.AskGateThreshold = 0.1
	e := newTestEngine(store, cfg)

	ch, err := e.Ask(context.Background(), "what color is the sky?", AskOptions{SearchOptions{Mode: ModeVector}})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	var sawCitation bool
	var final AnswerChunk
	for chunk := range ch {
		if chunk.Done {
			final = chunk
		}
		if len(chunk.Citations) > 0 {
			sawCitation = true
		}
	}
	if final.Rejected {
		t.Fatal("did not expect rejection above gate threshold")
	}
	if !sawCitation {
		t.Fatalf("expected at least one citation marker in the final chunk, got %+v", final)
	}
}

func withText(id, text string) domain.Node {
	n := node(id, 0, 0)
	n.Props = map[string]interface{}{"text": text}
	return n
}
