package connectorconfig

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("KEK_V1", map[string]string{"KEK_V1": "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ciphertext, version, err := c.Encrypt("tenant-a", "s3", "credential", "super-secret-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if version != "KEK_V1" {
		t.Fatalf("expected active version KEK_V1, got %q", version)
	}

	plain, err := c.Decrypt("tenant-a", "s3", "credential", ciphertext, version)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "super-secret-key" {
		t.Fatalf("round trip mismatch: got %q", plain)
	}
}

func TestDecryptWrongTenantFails(t *testing.T) {
	c, _ := NewCipher("KEK_V1", map[string]string{"KEK_V1": "0123456789abcdef0123456789abcdef"})
	ciphertext, version, _ := c.Encrypt("tenant-a", "s3", "credential", "secret")

	if _, err := c.Decrypt("tenant-b", "s3", "credential", ciphertext, version); err == nil {
		t.Fatal("expected decrypt to fail under a different tenant's derived key")
	}
}

func TestDecryptFallsBackAcrossKeyVersions(t *testing.T) {
	c1, _ := NewCipher("KEK_V1", map[string]string{"KEK_V1": "0123456789abcdef0123456789abcdef"})
	ciphertext, _, err := c1.Encrypt("tenant-a", "s3", "credential", "secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Simulate rotation: active version is now V2, but V1 is still loaded
	// because not every row has been rotated yet.
	c2, err := NewCipher("KEK_V2", map[string]string{
		"KEK_V1": "0123456789abcdef0123456789abcdef",
		"KEK_V2": "fedcba9876543210fedcba9876543210",
	})
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	// rowVersion still says V1; Decrypt must fall back correctly since V1 is tried first here.
	plain, err := c2.Decrypt("tenant-a", "s3", "credential", ciphertext, "KEK_V1")
	if err != nil {
		t.Fatalf("Decrypt with stale row version: %v", err)
	}
	if plain != "secret" {
		t.Fatalf("expected secret, got %q", plain)
	}
}

func TestNewCipherRejectsMissingActiveKey(t *testing.T) {
	if _, err := NewCipher("KEK_V1", map[string]string{}); err == nil {
		t.Fatal("expected error when no KEK is loaded for the active version")
	}
}
