package ingestion

import "testing"

func TestThrottleAllowsWithinBurst(t *testing.T) {
	th := NewThrottle(ThrottleConfig{MaxDocsPerHour: 10, MaxBytesPerHour: 1 << 20})
	if !th.Allow("tenant-a", 100) {
		t.Fatal("expected first request within burst to be allowed")
	}
}

func TestThrottleTracksTenantsIndependently(t *testing.T) {
	th := NewThrottle(ThrottleConfig{MaxDocsPerHour: 1, MaxBytesPerHour: 1 << 20})
	th.Allow("tenant-a", 10)
	// tenant-a's single-doc burst is now exhausted; tenant-b is untouched.
	if !th.Allow("tenant-b", 10) {
		t.Fatal("expected tenant-b to have its own independent limiter")
	}
}

func TestThrottleRejectsOverLargeDocument(t *testing.T) {
	th := NewThrottle(ThrottleConfig{MaxDocsPerHour: 100, MaxBytesPerHour: 100})
	if th.Allow("tenant-a", 10_000_000) {
		t.Fatal("expected an oversized document to exceed the byte-rate burst")
	}
}
