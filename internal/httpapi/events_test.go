package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/activekg/activekg/internal/domain"
)

func TestListEventsFiltersByNodeAndType(t *testing.T) {
	store := newFakeStore()
	id, _ := store.CreateNode(context.Background(), domainNodeFixture())
	store.AppendEvent(context.Background(), id, domain.EventCreated, nil, "user-1", "user")
	store.AppendEvent(context.Background(), id, domain.EventUpdated, nil, "user-1", "user")

	s := &Server{Store: store}
	req := withTenant(chiRequest(http.MethodGet, "/events?node_id="+id+"&event_type=updated", nil, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleListEvents(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string][]domain.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["events"]) != 1 || resp["events"][0].Type != domain.EventUpdated {
		t.Fatalf("expected exactly one updated event, got %+v", resp["events"])
	}
}

func TestLineageWalksDerivedFromEdges(t *testing.T) {
	store := newFakeStore()
	parentID, _ := store.CreateNode(context.Background(), domain.Node{Classes: []string{"Document"}})
	chunkID, _ := store.CreateNode(context.Background(), domain.Node{Classes: []string{"Chunk"}})
	store.CreateEdge(context.Background(), domain.Edge{Src: chunkID, Rel: domain.RelDerivedFrom, Dst: parentID})

	s := &Server{Store: store}
	req := withTenant(chiRequest(http.MethodGet, "/lineage/"+chunkID, nil, map[string]string{"id": chunkID}), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleLineage(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string][]domain.LineageAncestor
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["ancestors"]) != 1 || resp["ancestors"][0].ID != parentID {
		t.Fatalf("expected parent as sole ancestor, got %+v", resp["ancestors"])
	}
}
