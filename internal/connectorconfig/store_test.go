package connectorconfig

import (
	"context"
	"testing"

	"github.com/activekg/activekg/internal/ingestion/connector"
)

type fakeRepo struct {
	rows map[string]storedConfig
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: map[string]storedConfig{}} }

func (f *fakeRepo) Get(_ context.Context, tenantID, provider string) (*storedConfig, error) {
	sc, ok := f.rows[tenantID+"/"+provider]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (f *fakeRepo) Upsert(_ context.Context, sc storedConfig) error {
	f.rows[sc.TenantID+"/"+sc.Provider] = sc
	return nil
}

func (f *fakeRepo) Delete(_ context.Context, tenantID, provider string) error {
	delete(f.rows, tenantID+"/"+provider)
	return nil
}

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher("KEK_V1", map[string]string{"KEK_V1": "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func TestUpsertThenResolveDecryptsCredential(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, testCipher(t), nil, nil, nil, 0)

	cfg := connector.Config{Provider: "s3", Bucket: "docs", Region: "us-east-1", Credential: "AKIA-fake-key"}
	if err := s.Upsert(context.Background(), "tenant-a", "s3", cfg, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Resolve(context.Background(), "tenant-a", "s3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Credential != "AKIA-fake-key" || got.Bucket != "docs" {
		t.Fatalf("unexpected resolved config: %+v", got)
	}
}

func TestResolveMissingConfigErrors(t *testing.T) {
	s := NewStore(newFakeRepo(), testCipher(t), nil, nil, nil, 0)
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err == nil {
		t.Fatal("expected error resolving a never-configured provider")
	}
}

func TestResolveDisabledConfigErrors(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := s.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3"}, false); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err == nil {
		t.Fatal("expected error resolving a disabled connector")
	}
}

func TestResolveServesFromCacheAfterFirstLookup(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := s.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3", Credential: "secret"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}

	// Deleting directly from the repo (bypassing Store.Delete, which would
	// evict) proves a cached second Resolve does not re-hit the repository.
	delete(repo.rows, "tenant-a/s3")

	got, err := s.Resolve(context.Background(), "tenant-a", "s3")
	if err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if got.Credential != "secret" {
		t.Fatalf("expected cached credential, got %+v", got)
	}
}

func TestDeleteEvictsCache(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := s.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3", Credential: "secret"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := s.Delete(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err == nil {
		t.Fatal("expected Resolve to miss after Delete evicted the cache and the row")
	}
}

func TestSetEnabledFlipsFlagWithoutTouchingCredential(t *testing.T) {
	repo := newFakeRepo()
	s := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := s.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3", Credential: "secret"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("Resolve before disable: %v", err)
	}

	if err := s.SetEnabled(context.Background(), "tenant-a", "s3", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "tenant-a", "s3"); err == nil {
		t.Fatal("expected Resolve to fail once disabled (cache must have been evicted)")
	}

	if err := s.SetEnabled(context.Background(), "tenant-a", "s3", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	got, err := s.Resolve(context.Background(), "tenant-a", "s3")
	if err != nil {
		t.Fatalf("Resolve after re-enable: %v", err)
	}
	if got.Credential != "secret" {
		t.Fatalf("expected credential preserved across SetEnabled, got %+v", got)
	}
}

func TestSetEnabledErrorsWhenNoConfigStored(t *testing.T) {
	s := NewStore(newFakeRepo(), testCipher(t), nil, nil, nil, 0)
	if err := s.SetEnabled(context.Background(), "tenant-a", "s3", true); err == nil {
		t.Fatal("expected error toggling a never-configured provider")
	}
}
