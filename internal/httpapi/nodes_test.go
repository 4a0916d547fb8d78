package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/reqctx"
)

func withTenant(r *http.Request, tenantID string) *http.Request {
	rc := reqctx.RequestContext{TenantID: tenantID, ActorID: "user-1", ActorType: "user", Scopes: []string{"*"}}
	return r.WithContext(reqctx.With(r.Context(), rc))
}

func chiRequest(method, target string, body []byte, urlParams map[string]string) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if len(urlParams) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range urlParams {
			rctx.URLParams.Add(k, v)
		}
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}
	return r
}

func domainNodeFixture() domain.Node {
	return domain.Node{Classes: []string{"Document"}, Props: map[string]interface{}{"text": "hello"}}
}

func TestCreateNodeThenGetNode(t *testing.T) {
	s := &Server{Store: newFakeStore()}

	createBody, _ := json.Marshal(map[string]interface{}{
		"classes": []string{"Document"},
		"props":   map[string]interface{}{"text": "hello world"},
	})
	req := withTenant(chiRequest(http.MethodPost, "/nodes", createBody, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleCreateNode(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created createNodeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a non-empty node id")
	}

	getReq := withTenant(chiRequest(http.MethodGet, "/nodes/"+created.ID, nil, map[string]string{"id": created.ID}), "tenant-a")
	getRec := httptest.NewRecorder()
	s.handleGetNode(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
}

func TestCreateNodeRejectsMissingClasses(t *testing.T) {
	s := &Server{Store: newFakeStore()}
	body, _ := json.Marshal(map[string]interface{}{"props": map[string]interface{}{"text": "x"}})
	req := withTenant(chiRequest(http.MethodPost, "/nodes", body, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleCreateNode(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing classes, got %d", rec.Code)
	}
}

func TestGetNodeNotFoundReturns404(t *testing.T) {
	s := &Server{Store: newFakeStore()}
	req := withTenant(chiRequest(http.MethodGet, "/nodes/missing", nil, map[string]string{"id": "missing"}), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleGetNode(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteNodeSoftThenHard(t *testing.T) {
	store := newFakeStore()
	s := &Server{Store: store}
	id, _ := store.CreateNode(context.Background(), domainNodeFixture())

	req := withTenant(chiRequest(http.MethodDelete, "/nodes/"+id, nil, map[string]string{"id": id}), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleDeleteNode(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("soft delete status = %d", rec.Code)
	}
	if n := store.nodes[id]; !n.HasClass("Deleted") {
		t.Fatal("expected node tagged Deleted after soft delete")
	}

	hardReq := withTenant(chiRequest(http.MethodDelete, "/nodes/"+id+"?hard=true", nil, map[string]string{"id": id}), "tenant-a")
	hardRec := httptest.NewRecorder()
	s.handleDeleteNode(hardRec, hardReq)
	if hardRec.Code != http.StatusNoContent {
		t.Fatalf("hard delete status = %d", hardRec.Code)
	}
	if _, ok := store.nodes[id]; ok {
		t.Fatal("expected node removed after hard delete")
	}
}
