package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/reqctx"
	"github.com/activekg/activekg/internal/storage"
)

type fakeStore struct {
	storage.Store
	tenantIDs []string
	due       map[string][]domain.Node
	nodes     map[string]domain.Node
	updated   []string
	events    []string
	updateErr error
}

func (f *fakeStore) ListTenantIDs(_ context.Context) ([]string, error) {
	return f.tenantIDs, nil
}

func (f *fakeStore) ListDueNodes(ctx context.Context, _ int, _ time.Time) ([]domain.Node, error) {
	if rc, ok := reqctx.From(ctx); ok {
		return f.due[rc.TenantID], nil
	}
	return f.due[currentTenant], nil
}

func (f *fakeStore) GetNode(_ context.Context, id string) (*domain.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (f *fakeStore) UpdateNode(_ context.Context, id string, _ int64, patch storage.Patch) (*domain.Node, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, id)
	n := f.nodes[id]
	n.Embedding = patch.Embedding
	if patch.DriftScore != nil {
		n.DriftScore = *patch.DriftScore
	}
	f.nodes[id] = n
	return &n, nil
}

func (f *fakeStore) WriteEmbeddingHistory(_ context.Context, _ string, _ float64, _ string) error {
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, nodeID, eventType string, _ interface{}, _, _ string) (*domain.Event, error) {
	f.events = append(f.events, nodeID+":"+eventType)
	return &domain.Event{NodeID: nodeID, Type: eventType}, nil
}

// currentTenant is a test-only seam: ListDueNodes above has no tenant
// parameter (it is derived from ctx in the real store, as the fake does
// too), so this package var names the due set used when ctx carries none.
var currentTenant string

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := e.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *fakeEmbedder) Dimensions() int { return len(e.vec) }
func (e *fakeEmbedder) Version() string { return "fake-v1" }

type fakeTrigger struct {
	calls [][]string
}

func (t *fakeTrigger) RunFor(_ context.Context, nodeIDs []string) (int, error) {
	t.calls = append(t.calls, nodeIDs)
	return len(nodeIDs), nil
}

func textNode(id string, props map[string]interface{}, embedding []float32, policy *domain.RefreshPolicy) domain.Node {
	return domain.Node{
		ID:            id,
		Props:         props,
		Embedding:     embedding,
		RefreshPolicy: policy,
		Version:       1,
	}
}

func TestRunCycleRefreshesDueNodesAcrossTenants(t *testing.T) {
	currentTenant = "tenant-a"
	store := &fakeStore{
		tenantIDs: []string{"tenant-a", "tenant-b"},
		due: map[string][]domain.Node{
			"tenant-a": {textNode("n1", map[string]interface{}{"text": "hello world"}, nil, &domain.RefreshPolicy{DriftThreshold: 0.1})},
		},
		nodes: map[string]domain.Node{},
	}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	trig := &fakeTrigger{}
	s := New(store, embedder, trig, nil, DefaultConfig(), nil, nil)

	// RunCycle iterates ListTenantIDs; only "tenant-a" has due entries in our
	// fake (keyed by the ctx tenant), "tenant-b" yields none.
	s.RunCycle(context.Background())

	if len(store.updated) != 1 || store.updated[0] != "n1" {
		t.Fatalf("expected node n1 to be updated, got %+v", store.updated)
	}
	if len(trig.calls) != 1 || len(trig.calls[0]) != 1 || trig.calls[0][0] != "n1" {
		t.Fatalf("expected trigger engine invoked with refreshed node, got %+v", trig.calls)
	}
}

func TestRefreshOneEmitsRefreshedEventWhenDriftExceedsThreshold(t *testing.T) {
	store := &fakeStore{nodes: map[string]domain.Node{}}
	embedder := &fakeEmbedder{vec: []float32{0, 1, 0}}
	s := New(store, embedder, nil, nil, DefaultConfig(), nil, nil)

	n := textNode("n1", map[string]interface{}{"text": "x"}, []float32{1, 0, 0}, &domain.RefreshPolicy{DriftThreshold: 0.1})
	store.nodes["n1"] = n

	if err := s.refreshOne(context.Background(), n, false); err != nil {
		t.Fatalf("refreshOne: %v", err)
	}
	if len(store.events) != 1 || store.events[0] != "n1:refreshed" {
		t.Fatalf("expected a refreshed event since drift exceeds threshold, got %+v", store.events)
	}
}

func TestRefreshOneSkipsEventWhenDriftBelowThreshold(t *testing.T) {
	store := &fakeStore{nodes: map[string]domain.Node{}}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	s := New(store, embedder, nil, nil, DefaultConfig(), nil, nil)

	n := textNode("n1", map[string]interface{}{"text": "x"}, []float32{1, 0, 0}, &domain.RefreshPolicy{DriftThreshold: 0.5})
	store.nodes["n1"] = n

	if err := s.refreshOne(context.Background(), n, false); err != nil {
		t.Fatalf("refreshOne: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatalf("expected no refreshed event when drift stays below threshold, got %+v", store.events)
	}
}

func TestRefreshOneManualTriggerAlwaysEmitsEvent(t *testing.T) {
	store := &fakeStore{nodes: map[string]domain.Node{}}
	embedder := &fakeEmbedder{vec: []float32{1, 0, 0}}
	s := New(store, embedder, nil, nil, DefaultConfig(), nil, nil)

	n := textNode("n1", map[string]interface{}{"text": "x"}, []float32{1, 0, 0}, &domain.RefreshPolicy{DriftThreshold: 0.99})
	store.nodes["n1"] = n

	if err := s.refreshOne(context.Background(), n, true); err != nil {
		t.Fatalf("refreshOne: %v", err)
	}
	if len(store.events) != 1 || store.events[0] != "n1:refreshed" {
		t.Fatalf("expected manual_trigger to force a refreshed event, got %+v", store.events)
	}
}

func TestForceRefreshWithExplicitIDs(t *testing.T) {
	store := &fakeStore{nodes: map[string]domain.Node{
		"n1": textNode("n1", map[string]interface{}{"text": "a"}, nil, nil),
		"n2": textNode("n2", map[string]interface{}{"text": "b"}, nil, nil),
	}}
	embedder := &fakeEmbedder{vec: []float32{1, 0}}
	trig := &fakeTrigger{}
	s := New(store, embedder, trig, nil, DefaultConfig(), nil, nil)

	count, err := s.ForceRefresh(context.Background(), "tenant-a", []string{"n1", "n2"})
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 refreshed, got %d", count)
	}
	if len(trig.calls) != 1 || len(trig.calls[0]) != 2 {
		t.Fatalf("expected trigger run across both refreshed nodes, got %+v", trig.calls)
	}
}

func TestForceRefreshAllDueWhenNoIDsGiven(t *testing.T) {
	currentTenant = "tenant-a"
	store := &fakeStore{
		due: map[string][]domain.Node{
			"tenant-a": {textNode("n1", map[string]interface{}{"text": "a"}, nil, nil)},
		},
		nodes: map[string]domain.Node{},
	}
	embedder := &fakeEmbedder{vec: []float32{1, 0}}
	s := New(store, embedder, nil, nil, DefaultConfig(), nil, nil)

	count, err := s.ForceRefresh(context.Background(), "tenant-a", nil)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 refreshed from all-due path, got %d", count)
	}
}

func TestLoadTextPrefersInlineOverPayloadRef(t *testing.T) {
	s := New(&fakeStore{}, &fakeEmbedder{}, nil, nil, DefaultConfig(), nil, nil)
	n := textNode("n1", map[string]interface{}{"text": "inline text", "payload_ref": "file:///should/not/be/used"}, nil, nil)

	text, err := s.loadText(context.Background(), n)
	if err != nil {
		t.Fatalf("loadText: %v", err)
	}
	if text != "inline text" {
		t.Fatalf("expected inline text to win, got %q", text)
	}
}

func TestLoadTextFallsBackToPayloadRefWithoutResolver(t *testing.T) {
	s := New(&fakeStore{}, &fakeEmbedder{}, nil, nil, DefaultConfig(), nil, nil)
	n := textNode("n1", map[string]interface{}{"payload_ref": "some-opaque-ref"}, nil, nil)

	text, err := s.loadText(context.Background(), n)
	if err != nil {
		t.Fatalf("loadText: %v", err)
	}
	if text != "some-opaque-ref" {
		t.Fatalf("expected raw ref passthrough with nil resolver, got %q", text)
	}
}
