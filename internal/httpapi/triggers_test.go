package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/trigger"
)

func TestUpsertTriggerThenListAndDelete(t *testing.T) {
	store := newFakeStore()
	s := &Server{Store: store, Trigger: trigger.NewEngine(store, nil, nil)}

	body, _ := json.Marshal(map[string]interface{}{
		"name":        "security-incident",
		"embedding":   []float32{0.1, 0.2, 0.3},
		"description": "alerts when content resembles a known incident report",
	})
	req := withTenant(chiRequest(http.MethodPost, "/triggers", body, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleUpsertTrigger(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert status = %d body = %s", rec.Code, rec.Body.String())
	}

	listReq := withTenant(chiRequest(http.MethodGet, "/triggers", nil, nil), "tenant-a")
	listRec := httptest.NewRecorder()
	s.handleListTriggers(listRec, listReq)
	var listed map[string][]domain.Pattern
	if err := json.Unmarshal(listRec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listed["triggers"]) != 1 {
		t.Fatalf("expected 1 trigger, got %d", len(listed["triggers"]))
	}

	delReq := withTenant(chiRequest(http.MethodDelete, "/triggers/security-incident", nil, map[string]string{"name": "security-incident"}), "tenant-a")
	delRec := httptest.NewRecorder()
	s.handleDeleteTrigger(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", delRec.Code)
	}
	if _, ok := store.patterns["security-incident"]; ok {
		t.Fatal("expected pattern removed after delete")
	}
}

func TestUpsertTriggerRejectsMissingFields(t *testing.T) {
	s := &Server{Store: newFakeStore()}
	body, _ := json.Marshal(map[string]interface{}{"name": "only-a-name"})
	req := withTenant(chiRequest(http.MethodPost, "/triggers", body, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleUpsertTrigger(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing embedding, got %d", rec.Code)
	}
}

func TestGetTriggerNotFoundReturns404(t *testing.T) {
	s := &Server{Store: newFakeStore()}
	req := withTenant(chiRequest(http.MethodGet, "/triggers/nope", nil, map[string]string{"name": "nope"}), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleGetTrigger(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
