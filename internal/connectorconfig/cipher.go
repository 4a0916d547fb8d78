// Package connectorconfig implements C7: encrypted, versioned,
// cache-fronted storage of per-tenant connector credentials, plus key
// rotation and pub/sub cache invalidation. Grounded on the teacher's
// infrastructure/secrets.Manager (AES-GCM with a random nonce prepended to
// the ciphertext), generalized from a single master key to versioned KEKs
// with decrypt-time fallback across every loaded version.
package connectorconfig

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cipher holds every loaded KEK by version and the currently active one for
// new encryptions.
type Cipher struct {
	active string
	keks   map[string][]byte // version -> raw KEK bytes
}

func NewCipher(activeVersion string, keks map[string]string) (*Cipher, error) {
	if activeVersion == "" {
		return nil, fmt.Errorf("connectorconfig: active KEK version is required")
	}
	raw := make(map[string][]byte, len(keks))
	for version, secret := range keks {
		if secret == "" {
			continue
		}
		raw[version] = []byte(secret)
	}
	if _, ok := raw[activeVersion]; !ok {
		return nil, fmt.Errorf("connectorconfig: active KEK version %q has no loaded secret", activeVersion)
	}
	return &Cipher{active: activeVersion, keks: raw}, nil
}

func (c *Cipher) ActiveVersion() string { return c.active }

// fieldKey derives a per-(tenant,provider,field) data-encryption key from a
// KEK via HKDF-SHA256, so no two fields ever reuse the same AES-GCM key —
// defense in depth beyond AES-GCM's own nonce uniqueness requirement.
func (c *Cipher) fieldKey(version, tenantID, provider, field string) ([]byte, error) {
	kek, ok := c.keks[version]
	if !ok {
		return nil, fmt.Errorf("connectorconfig: no KEK loaded for version %q", version)
	}
	info := []byte(tenantID + ":" + provider + ":" + field)
	r := hkdf.New(sha256.New, kek, nil, info)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive field key: %w", err)
	}
	return key, nil
}

// Encrypt always uses the active KEK version, returning the version used
// alongside the ciphertext so callers can stamp key_version on the row.
func (c *Cipher) Encrypt(tenantID, provider, field, plaintext string) (ciphertext []byte, version string, err error) {
	key, err := c.fieldKey(c.active, tenantID, provider, field)
	if err != nil {
		return nil, "", err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return out, c.active, nil
}

// Decrypt first tries rowVersion, falling back to every other loaded KEK
// version on failure — covers the window between a rotation batch and a
// field whose key_version has not yet been rewritten.
func (c *Cipher) Decrypt(tenantID, provider, field string, ciphertext []byte, rowVersion string) (string, error) {
	versions := []string{rowVersion}
	for v := range c.keks {
		if v != rowVersion {
			versions = append(versions, v)
		}
	}
	var lastErr error
	for _, v := range versions {
		key, err := c.fieldKey(v, tenantID, provider, field)
		if err != nil {
			lastErr = err
			continue
		}
		plain, err := decryptWith(key, ciphertext)
		if err == nil {
			return plain, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("connectorconfig: decrypt field %q failed under all loaded keys: %w", field, lastErr)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func decryptWith(key []byte, ciphertext []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(ciphertext) < aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
