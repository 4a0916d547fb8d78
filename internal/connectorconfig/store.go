package connectorconfig

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/activekg/activekg/internal/ingestion/connector"
	"github.com/activekg/activekg/internal/platform/kv"
	"github.com/activekg/activekg/internal/platform/logging"
	"github.com/activekg/activekg/internal/platform/metrics"
)

// ChangedChannel is the pub/sub channel a Store publishes to after every
// Upsert/Delete so every process's Subscriber can evict its local cache
// entry instead of waiting out the TTL.
const ChangedChannel = "connector:config:changed"

// ChangeMessage is the payload published on ChangedChannel.
type ChangeMessage struct {
	TenantID  string `json:"tenant_id"`
	Provider  string `json:"provider"`
	Operation string `json:"operation"` // "upsert" | "delete"
}

type plainConfig struct {
	Provider             string `json:"provider"`
	Bucket               string `json:"bucket,omitempty"`
	Region               string `json:"region,omitempty"`
	FolderID             string `json:"folder_id,omitempty"`
	Endpoint             string `json:"endpoint,omitempty"`
	CredentialCiphertext string `json:"credential_ciphertext,omitempty"`
}

type cacheEntry struct {
	cfg       connector.Config
	keyVer    string
	expiresAt time.Time
}

// configRepository is the narrow persistence slice Store depends on, kept
// as an interface (mirroring scheduler.TriggerRunner and
// ingestion.ConfigResolver) so tests can substitute an in-memory fake
// instead of a live Postgres connection. *Repository satisfies it.
type configRepository interface {
	Get(ctx context.Context, tenantID, provider string) (*storedConfig, error)
	Upsert(ctx context.Context, sc storedConfig) error
	Delete(ctx context.Context, tenantID, provider string) error
}

// Store is the C7 façade: encrypted persistence fronted by an in-process
// TTL cache, grounded on the teacher's infrastructure/cache.TTLCache shape,
// generalized to invalidate on a cross-process pub/sub signal rather than
// TTL expiry alone.
type Store struct {
	repo   configRepository
	cipher *Cipher
	kv     *kv.Client
	log    *logging.Logger
	metric *metrics.Registry

	mu    sync.RWMutex
	cache map[string]cacheEntry
	ttl   time.Duration
}

// NewStore builds a Store with the given cache TTL. ttl <= 0 falls back to
// a 5 minute default.
func NewStore(repo configRepository, cipher *Cipher, kvc *kv.Client, log *logging.Logger, m *metrics.Registry, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		repo:   repo,
		cipher: cipher,
		kv:     kvc,
		log:    log,
		metric: m,
		cache:  make(map[string]cacheEntry),
		ttl:    ttl,
	}
}

func cacheKey(tenantID, provider string) string { return tenantID + "/" + provider }

// Resolve implements ingestion.ConfigResolver: decrypted connector
// parameters for one (tenant, provider) pair, served from cache when fresh.
func (s *Store) Resolve(ctx context.Context, tenantID, provider string) (connector.Config, error) {
	key := cacheKey(tenantID, provider)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cfg, nil
	}

	sc, err := s.repo.Get(ctx, tenantID, provider)
	if err != nil {
		return connector.Config{}, fmt.Errorf("resolve connector config: %w", err)
	}
	if sc == nil {
		return connector.Config{}, fmt.Errorf("connectorconfig: no config stored for tenant %q provider %q", tenantID, provider)
	}
	if !sc.Enabled {
		return connector.Config{}, fmt.Errorf("connectorconfig: connector %q is disabled for tenant %q", provider, tenantID)
	}

	var pc plainConfig
	if err := json.Unmarshal(sc.ConfigJSON, &pc); err != nil {
		return connector.Config{}, fmt.Errorf("decode connector config json: %w", err)
	}

	cfg := connector.Config{
		Provider: provider,
		Bucket:   pc.Bucket,
		Region:   pc.Region,
		FolderID: pc.FolderID,
		Endpoint: pc.Endpoint,
	}
	if pc.CredentialCiphertext != "" {
		raw, err := base64.StdEncoding.DecodeString(pc.CredentialCiphertext)
		if err != nil {
			return connector.Config{}, fmt.Errorf("decode credential ciphertext: %w", err)
		}
		plain, err := s.cipher.Decrypt(tenantID, provider, "credential", raw, sc.KeyVersion)
		if err != nil {
			return connector.Config{}, fmt.Errorf("decrypt connector credential: %w", err)
		}
		cfg.Credential = plain
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{cfg: cfg, keyVer: sc.KeyVersion, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return cfg, nil
}

// Upsert encrypts the credential, writes the row, invalidates the local
// cache entry immediately, and publishes a change notification so every
// other process does the same.
func (s *Store) Upsert(ctx context.Context, tenantID, provider string, cfg connector.Config, enabled bool) error {
	pc := plainConfig{
		Provider: provider,
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		FolderID: cfg.FolderID,
		Endpoint: cfg.Endpoint,
	}
	keyVersion := s.cipher.ActiveVersion()
	if cfg.Credential != "" {
		ciphertext, version, err := s.cipher.Encrypt(tenantID, provider, "credential", cfg.Credential)
		if err != nil {
			return fmt.Errorf("encrypt connector credential: %w", err)
		}
		pc.CredentialCiphertext = base64.StdEncoding.EncodeToString(ciphertext)
		keyVersion = version
	}

	raw, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("encode connector config json: %w", err)
	}

	if err := s.repo.Upsert(ctx, storedConfig{
		TenantID:   tenantID,
		Provider:   provider,
		ConfigJSON: raw,
		KeyVersion: keyVersion,
		Enabled:    enabled,
	}); err != nil {
		return err
	}

	s.evict(tenantID, provider)
	s.publish(ctx, tenantID, provider, "upsert")
	return nil
}

// SetEnabled flips the enabled flag on an existing stored config without
// touching its encrypted payload, for the enable/disable admin endpoints.
func (s *Store) SetEnabled(ctx context.Context, tenantID, provider string, enabled bool) error {
	sc, err := s.repo.Get(ctx, tenantID, provider)
	if err != nil {
		return fmt.Errorf("load connector config: %w", err)
	}
	if sc == nil {
		return fmt.Errorf("connectorconfig: no config stored for tenant %q provider %q", tenantID, provider)
	}
	sc.Enabled = enabled
	if err := s.repo.Upsert(ctx, *sc); err != nil {
		return err
	}
	s.evict(tenantID, provider)
	s.publish(ctx, tenantID, provider, "upsert")
	return nil
}

func (s *Store) Delete(ctx context.Context, tenantID, provider string) error {
	if err := s.repo.Delete(ctx, tenantID, provider); err != nil {
		return err
	}
	s.evict(tenantID, provider)
	s.publish(ctx, tenantID, provider, "delete")
	return nil
}

func (s *Store) evict(tenantID, provider string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(tenantID, provider))
	s.mu.Unlock()
}

func (s *Store) publish(ctx context.Context, tenantID, provider, operation string) {
	if s.kv == nil {
		return
	}
	msg, err := json.Marshal(ChangeMessage{TenantID: tenantID, Provider: provider, Operation: operation})
	if err != nil {
		return
	}
	if err := s.kv.Publish(ctx, ChangedChannel, string(msg)); err != nil {
		if s.log != nil {
			s.log.WithError(err).WithField("tenant_id", tenantID).WithField("provider", provider).Warn("connectorconfig: publish change notification failed")
		}
	}
}
