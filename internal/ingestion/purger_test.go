package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/activekg/activekg/internal/domain"
)

type fakePurgeStore struct {
	fakeStore
	candidates []domain.Node
	purgedIDs  []string
}

func (f *fakePurgeStore) ListDeletedPastGrace(_ context.Context, _ string, _ int, _ time.Time) ([]domain.Node, error) {
	return f.candidates, nil
}

func (f *fakePurgeStore) PurgeNodes(_ context.Context, ids []string) (int, int, error) {
	f.purgedIDs = ids
	var parents, chunks int
	for _, n := range f.candidates {
		if n.IsParent() {
			parents++
		} else {
			chunks++
		}
	}
	return parents, chunks, nil
}

func TestPurgeDryRunCountsWithoutDeleting(t *testing.T) {
	store := &fakePurgeStore{
		fakeStore: *newFakeStore(),
		candidates: []domain.Node{
			{ID: "p1", Props: map[string]interface{}{"is_parent": true}},
			{ID: "c1", Props: map[string]interface{}{"parent_id": "p1"}},
		},
	}
	p := NewPurger(store)

	result, err := p.Purge(context.Background(), "tenant-a", 100, true)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if !result.DryRun || result.Parents != 1 || result.Chunks != 1 {
		t.Fatalf("unexpected dry-run result: %+v", result)
	}
	if store.purgedIDs != nil {
		t.Fatal("expected dry-run to never call PurgeNodes")
	}
}

func TestPurgeActuallyDeletes(t *testing.T) {
	store := &fakePurgeStore{
		fakeStore: *newFakeStore(),
		candidates: []domain.Node{
			{ID: "p1", Props: map[string]interface{}{"is_parent": true}},
		},
	}
	p := NewPurger(store)

	result, err := p.Purge(context.Background(), "tenant-a", 100, false)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if result.DryRun {
		t.Fatal("expected non-dry-run result")
	}
	if len(store.purgedIDs) != 1 || store.purgedIDs[0] != "p1" {
		t.Fatalf("expected PurgeNodes called with candidate ids, got %+v", store.purgedIDs)
	}
}
