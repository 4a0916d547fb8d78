package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/activekg/activekg/internal/domain"
)

func TestAdminAnomaliesReportsOverdueNodes(t *testing.T) {
	store := newFakeStore()
	overdueID, _ := store.CreateNode(context.Background(), domain.Node{
		Classes:       []string{"Document"},
		RefreshPolicy: &domain.RefreshPolicy{Interval: time.Minute},
		LastRefreshed: time.Now().Add(-time.Hour),
	})

	s := &Server{Store: store}
	req := withTenant(chiRequest(http.MethodPost, "/admin/anomalies", nil, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleAdminAnomalies(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OverdueNodes []string `json:"overdue_nodes"`
		Count        int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.OverdueNodes[0] != overdueID {
		t.Fatalf("expected exactly the overdue node reported, got %+v", resp)
	}
}

func TestAdminMigrateRequiresConfiguredMigrateFunc(t *testing.T) {
	s := &Server{}
	req := withTenant(chiRequest(http.MethodPost, "/admin/migrate", nil, nil), "tenant-a")
	rec := httptest.NewRecorder()
	s.handleAdminMigrate(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when Migrate is unset, got %d", rec.Code)
	}
}
