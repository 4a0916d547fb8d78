package connectorconfig

import (
	"context"
	"testing"

	"github.com/activekg/activekg/internal/ingestion/connector"
)

func TestSubscriberHandleEvictsMatchingCacheEntry(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := store.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3", Credential: "secret"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	sub := NewSubscriber(nil, store, nil, nil)
	sub.handle(`{"tenant_id":"tenant-a","provider":"s3","operation":"upsert"}`)

	delete(repo.rows, "tenant-a/s3")
	if _, err := store.Resolve(context.Background(), "tenant-a", "s3"); err == nil {
		t.Fatal("expected cache entry to be evicted by the change message, forcing a repo miss")
	}
}

func TestSubscriberHandleIgnoresMalformedMessage(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, testCipher(t), nil, nil, nil, 0)
	if err := store.Upsert(context.Background(), "tenant-a", "s3", connector.Config{Provider: "s3", Credential: "secret"}, true); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	sub := NewSubscriber(nil, store, nil, nil)
	sub.handle(`not json`)
	sub.handle(`{"tenant_id":"tenant-a","provider":"s3","operation":"unknown"}`)

	delete(repo.rows, "tenant-a/s3")
	if _, err := store.Resolve(context.Background(), "tenant-a", "s3"); err != nil {
		t.Fatal("expected cache entry to survive malformed and unknown-operation messages")
	}
}
