package main

import (
	"context"
	"testing"
	"time"

	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/storage"
)

func TestParseDurationOrFallsBackOnEmptyOrInvalid(t *testing.T) {
	if got := parseDurationOr("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty string: got %v, want 5s", got)
	}
	if got := parseDurationOr("not-a-duration", 5*time.Second); got != 5*time.Second {
		t.Errorf("invalid string: got %v, want 5s", got)
	}
	if got := parseDurationOr("10s", 5*time.Second); got != 10*time.Second {
		t.Errorf("valid string: got %v, want 10s", got)
	}
}

func TestBuildConnectorFactoryOnlySupportsLocal(t *testing.T) {
	factory := buildConnectorFactory(1 << 20)

	conn, err := factory(connector.Config{Provider: "local", FolderID: "/tmp/docs"})
	if err != nil {
		t.Fatalf("local provider should build: %v", err)
	}
	if conn == nil {
		t.Fatal("expected a non-nil connector for the local provider")
	}

	if _, err := factory(connector.Config{Provider: "s3"}); err == nil {
		t.Fatal("expected an error building a connector for an unimplemented provider")
	}
}

// fakeTenantStore satisfies storage.Store for backgroundQueueKeys, which
// only calls ListTenantIDs.
type fakeTenantStore struct {
	storage.Store
	tenants []string
}

func (f fakeTenantStore) ListTenantIDs(context.Context) ([]string, error) { return f.tenants, nil }

func TestBackgroundQueueKeysEnumeratesEveryProviderPerTenant(t *testing.T) {
	keys := backgroundQueueKeys(context.Background(), fakeTenantStore{tenants: []string{"tenant-a", "tenant-b"}})
	want := len(connectorQueueProviders) * 2
	if len(keys) != want {
		t.Fatalf("expected %d keys, got %d: %v", want, len(keys), keys)
	}
}
