package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/activekg/activekg/internal/domain"
	"github.com/activekg/activekg/internal/platform/database"
	"github.com/activekg/activekg/internal/reqctx"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	tdb := database.NewForTest(db, database.RLSOn)
	return NewPostgresStore(tdb, nil, nil), mock
}

func withTenant(tenantID string) context.Context {
	return reqctx.With(context.Background(), reqctx.RequestContext{
		TenantID: tenantID, ActorID: "user-1", ActorType: "user",
	})
}

func TestCreateNodeInsertsAndAppendsEvent(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := withTenant("tenant-a")

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config`).WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO nodes`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := store.CreateNode(ctx, domain.Node{
		Classes: []string{"Document"},
		Props:   map[string]interface{}{"text": "hello world"},
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateNodeRequiresTenant(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.CreateNode(context.Background(), domain.Node{})
	if err == nil {
		t.Fatal("expected error for missing tenant context")
	}
}

func TestGetNodeNotFoundReturnsNilNoError(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := withTenant("tenant-a")

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config`).WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, tenant_id, classes`).WillReturnRows(sqlmock.NewRows([]string{
		"id", "tenant_id", "classes", "props", "metadata", "embedding",
		"refresh_interval_sec", "refresh_cron", "drift_threshold", "triggers",
		"last_refreshed", "drift_score", "version", "created_at", "updated_at",
	}))
	mock.ExpectCommit()

	n, err := store.GetNode(ctx, "missing-id")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil node, got %+v", n)
	}
}

func TestUpdateNodeVersionConflict(t *testing.T) {
	store, mock := newTestStore(t)
	ctx := withTenant("tenant-a")

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "classes", "props", "metadata", "embedding",
		"refresh_interval_sec", "refresh_cron", "drift_threshold", "triggers",
		"last_refreshed", "drift_score", "version", "created_at", "updated_at",
	}).AddRow("node-1", "tenant-a", `{Document}`, `{}`, `{}`, nil,
		nil, nil, nil, `[]`, nil, 0.0, int64(3), now, now)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT set_config`).WithArgs("tenant-a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, tenant_id, classes`).WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := store.UpdateNode(ctx, "node-1", 1, Patch{})
	if err == nil {
		t.Fatal("expected version conflict error")
	}
}

func TestIsNodeDueInterval(t *testing.T) {
	store := &PostgresStore{}
	now := time.Now().UTC()

	due := store.IsNodeDue(domain.Node{
		RefreshPolicy: &domain.RefreshPolicy{Interval: time.Hour},
		LastRefreshed: now.Add(-2 * time.Hour),
	}, now)
	if !due {
		t.Fatal("expected node past its interval to be due")
	}

	notDue := store.IsNodeDue(domain.Node{
		RefreshPolicy: &domain.RefreshPolicy{Interval: time.Hour},
		LastRefreshed: now.Add(-10 * time.Minute),
	}, now)
	if notDue {
		t.Fatal("expected node within its interval to not be due")
	}

	neverRefreshed := store.IsNodeDue(domain.Node{
		RefreshPolicy: &domain.RefreshPolicy{Interval: time.Hour},
	}, now)
	if !neverRefreshed {
		t.Fatal("expected a node with no last_refreshed to be due immediately")
	}

	noPolicy := store.IsNodeDue(domain.Node{}, now)
	if noPolicy {
		t.Fatal("expected node with no refresh policy to never be due")
	}
}

func TestIsNodeDueInvalidCronFallsBackToInterval(t *testing.T) {
	store := &PostgresStore{}
	now := time.Now().UTC()

	due := store.IsNodeDue(domain.Node{
		RefreshPolicy: &domain.RefreshPolicy{Cron: "not a cron expression", Interval: time.Minute},
		LastRefreshed: now.Add(-time.Hour),
	}, now)
	if !due {
		t.Fatal("expected fallback to interval when cron is invalid")
	}
}
