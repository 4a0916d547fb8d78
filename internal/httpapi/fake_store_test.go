package httpapi

import (
	"context"
	"fmt"
	"time"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/storage"
)

// fakeStore is an in-memory storage.Store good enough to drive handler-level
// tests without a database; it embeds the interface so only the methods a
// given test actually exercises need implementations (mirrors the fakeStore
// in internal/ingestion/worker_test.go).
type fakeStore struct {
	storage.Store
	nodes    map[string]domain.Node
	events   map[string][]domain.Event
	edges    []domain.Edge
	patterns map[string]domain.Pattern
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nodes:    map[string]domain.Node{},
		events:   map[string][]domain.Event{},
		patterns: map[string]domain.Pattern{},
	}
}

func (f *fakeStore) CreateNode(_ context.Context, n domain.Node) (string, error) {
	f.seq++
	if n.ID == "" {
		n.ID = fmt.Sprintf("node-%d", f.seq)
	}
	n.Version = 1
	f.nodes[n.ID] = n
	return n.ID, nil
}

func (f *fakeStore) GetNode(_ context.Context, id string) (*domain.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (f *fakeStore) UpdateNode(_ context.Context, id string, expectedVersion int64, patch storage.Patch) (*domain.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s not found", id)
	}
	if expectedVersion != 0 && n.Version != expectedVersion {
		return nil, fmt.Errorf("version conflict: have %d, expected %d", n.Version, expectedVersion)
	}
	if patch.Classes != nil {
		n.Classes = *patch.Classes
	}
	if patch.Props != nil {
		n.Props = patch.Props
	}
	if patch.Metadata != nil {
		n.Metadata = patch.Metadata
	}
	n.Version++
	f.nodes[id] = n
	return &n, nil
}

func (f *fakeStore) DeleteNode(_ context.Context, id string, hard bool, _ time.Duration) error {
	if _, ok := f.nodes[id]; !ok {
		return fmt.Errorf("node %s not found", id)
	}
	if hard {
		delete(f.nodes, id)
		return nil
	}
	n := f.nodes[id]
	classes := append([]string{}, n.Classes...)
	classes = append(classes, domain.ClassDeleted)
	n.Classes = classes
	f.nodes[id] = n
	return nil
}

func (f *fakeStore) ListNodes(_ context.Context, filter storage.NodeFilter) ([]domain.Node, error) {
	out := make([]domain.Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		if len(filter.Classes) > 0 && !n.HasClass(filter.Classes[0]) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) ListVersions(_ context.Context, id string) ([]domain.NodeVersion, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, nil
	}
	return []domain.NodeVersion{{NodeID: id, Version: n.Version, Snapshot: n}}, nil
}

func (f *fakeStore) CreateEdge(_ context.Context, e domain.Edge) error {
	f.edges = append(f.edges, e)
	return nil
}

func (f *fakeStore) GetLineage(_ context.Context, id string, maxDepth int) ([]domain.LineageAncestor, error) {
	var ancestors []domain.LineageAncestor
	depth := 0
	cur := id
	seen := map[string]bool{}
	for depth < maxDepth {
		var next string
		for _, e := range f.edges {
			if e.Src == cur && e.Rel == domain.RelDerivedFrom {
				next = e.Dst
				break
			}
		}
		if next == "" || seen[next] {
			break
		}
		seen[next] = true
		depth++
		n := f.nodes[next]
		ancestors = append(ancestors, domain.LineageAncestor{ID: next, Depth: depth, Classes: n.Classes})
		cur = next
	}
	return ancestors, nil
}

func (f *fakeStore) AppendEvent(_ context.Context, nodeID, eventType string, _ interface{}, actorID, actorType string) (*domain.Event, error) {
	ev := domain.Event{ID: fmt.Sprintf("evt-%d", len(f.events[nodeID])+1), NodeID: nodeID, Type: eventType, ActorID: actorID, ActorType: actorType, CreatedAt: time.Now().UTC()}
	f.events[nodeID] = append(f.events[nodeID], ev)
	return &ev, nil
}

func (f *fakeStore) ListEvents(_ context.Context, nodeID, eventType string, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for id, evs := range f.events {
		if nodeID != "" && id != nodeID {
			continue
		}
		for _, e := range evs {
			if eventType != "" && e.Type != eventType {
				continue
			}
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpsertPattern(_ context.Context, p domain.Pattern) error {
	f.patterns[p.Name] = p
	return nil
}

func (f *fakeStore) GetPattern(_ context.Context, name string) (*domain.Pattern, error) {
	p, ok := f.patterns[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) ListPatterns(_ context.Context) ([]domain.Pattern, error) {
	out := make([]domain.Pattern, 0, len(f.patterns))
	for _, p := range f.patterns {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) DeletePattern(_ context.Context, name string) error {
	delete(f.patterns, name)
	return nil
}

func (f *fakeStore) ListDueNodes(_ context.Context, batchSize int, now time.Time) ([]domain.Node, error) {
	var out []domain.Node
	for _, n := range f.nodes {
		if n.RefreshPolicy == nil {
			continue
		}
		if !n.LastRefreshed.Add(n.RefreshPolicy.Interval).After(now) {
			out = append(out, n)
		}
		if batchSize > 0 && len(out) >= batchSize {
			break
		}
	}
	return out, nil
}
