// Package config loads process configuration from an optional YAML/JSON
// file plus environment variable overrides, the way cmd/activekg boots.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres pool and RLS enforcement mode.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
	// RLSMode is one of "auto", "on", "off". See internal/platform/database.
	RLSMode string `json:"rls_mode" env:"RLS_MODE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters shared across the
// service (e.g. the fallback secret used outside KEK-managed paths).
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
	// TrustProxy enables honoring RealIPHeader when deriving the client IP
	// used as a rate-limit key for unauthenticated requests. Left false by
	// default so a spoofed header can't be used to dodge the limiter.
	TrustProxy    bool   `json:"trust_proxy" env:"TRUST_PROXY"`
	RealIPHeader  string `json:"real_ip_header" env:"REAL_IP_HEADER"`
}

// RateLimitRule is a fixed-window rate limit plus an optional in-flight
// concurrency cap for one named endpoint.
type RateLimitRule struct {
	Rate        int `json:"rate"`
	Burst       int `json:"burst"`
	Concurrency int `json:"concurrency"`
}

// RateLimitConfig controls the C8 request-surface limiter.
type RateLimitConfig struct {
	Enabled bool                     `json:"enabled" env:"RATE_LIMIT_ENABLED"`
	Rules   map[string]RateLimitRule `json:"rules"`
}

// AuthConfig controls bearer-JWT validation for the request surface (C8).
type AuthConfig struct {
	// Enabled toggles JWT validation. When false, a default tenant is used
	// and admin scopes are granted locally (dev mode, per spec.md §4.8).
	Enabled      bool     `json:"enabled" env:"AUTH_JWT_ENABLED"`
	Algorithm    string   `json:"algorithm" env:"AUTH_JWT_ALG"` // HS256 or RS256
	HMACSecret   string   `json:"hmac_secret" env:"AUTH_JWT_HMAC_SECRET"`
	RSAPublicKey string   `json:"rsa_public_key" env:"AUTH_JWT_RSA_PUBLIC_KEY"`
	Issuer       string   `json:"issuer" env:"AUTH_JWT_ISSUER"`
	Audience     string   `json:"audience" env:"AUTH_JWT_AUDIENCE"`
	DevTenantID  string   `json:"dev_tenant_id" env:"AUTH_DEV_TENANT_ID"`
	DevScopes    []string `json:"dev_scopes"`
}

// EmbeddingConfig controls the C2 provider.
type EmbeddingConfig struct {
	Dimensions   int    `json:"dimensions" env:"EMBEDDING_DIMENSIONS"`
	MaxChars     int    `json:"max_chars" env:"EMBEDDING_MAX_CHARS"`
	MaxBatchSize int    `json:"max_batch_size" env:"EMBEDDING_MAX_BATCH_SIZE"`
	ModelVersion string `json:"model_version" env:"EMBEDDING_MODEL_VERSION"`
}

// RetrievalConfig controls C3 search/ask behavior.
type RetrievalConfig struct {
	FusionMode       string  `json:"fusion_mode" env:"RETRIEVAL_FUSION_MODE"` // rrf|weighted
	Alpha            float64 `json:"alpha" env:"RETRIEVAL_ALPHA"`
	Beta             float64 `json:"beta" env:"RETRIEVAL_BETA"`
	RecencyLambda    float64 `json:"recency_lambda" env:"RETRIEVAL_RECENCY_LAMBDA"`
	DriftBeta        float64 `json:"drift_beta" env:"RETRIEVAL_DRIFT_BETA"`
	RerankTopN       int     `json:"rerank_top_n" env:"RETRIEVAL_RERANK_TOP_N"`
	AskGateThreshold float64 `json:"ask_gate_threshold" env:"RETRIEVAL_ASK_GATE_THRESHOLD"`
	DefaultTopK      int     `json:"default_top_k" env:"RETRIEVAL_DEFAULT_TOP_K"`
}

// SchedulerConfig controls the C4 refresh scheduler's polling cadence.
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval" env:"SCHEDULER_TICK_INTERVAL"` // duration string, e.g. "5s"
	BatchSize    int    `json:"batch_size" env:"SCHEDULER_BATCH_SIZE"`
	// HTTPTimeout bounds payload_ref http(s):// fetches.
	HTTPTimeout string `json:"http_timeout" env:"SCHEDULER_HTTP_TIMEOUT"`
	// MaxPayloadBytes caps the size of any resolved payload_ref body.
	MaxPayloadBytes int64 `json:"max_payload_bytes" env:"SCHEDULER_MAX_PAYLOAD_BYTES"`
	// AllowedFileDirs allowlists file:// base directories.
	AllowedFileDirs []string `json:"allowed_file_dirs"`
}

// IngestionConfig controls C6 pipeline chunking, throttling and queue sizing.
type IngestionConfig struct {
	ChunkSize       int    `json:"chunk_size" env:"INGESTION_CHUNK_SIZE"`
	ChunkOverlap    int    `json:"chunk_overlap" env:"INGESTION_CHUNK_OVERLAP"`
	Workers         int    `json:"workers" env:"INGESTION_WORKERS"`
	MaxDocsPerHour  int    `json:"max_docs_per_hour" env:"INGESTION_MAX_DOCS_PER_HOUR"`
	MaxBytesPerHour int64  `json:"max_bytes_per_hour" env:"INGESTION_MAX_BYTES_PER_HOUR"`
	MaxBodyBytes    int64  `json:"max_body_bytes" env:"INGESTION_MAX_BODY_BYTES"`
	DedupTTL        string `json:"dedup_ttl" env:"INGESTION_DEDUP_TTL"`
	GraceDuration   string `json:"grace_duration" env:"INGESTION_GRACE_DURATION"`
}

// ConnectorConfigStoreConfig controls C7 key management.
type ConnectorConfigStoreConfig struct {
	ActiveKEKVersion string            `json:"active_kek_version" env:"ACTIVE_VERSION"`
	KEKs             map[string]string `json:"-"` // loaded from KEK_V1..KEK_Vn, never serialized
	CacheTTL         string            `json:"cache_ttl" env:"CONNECTOR_CONFIG_CACHE_TTL"`
}

// RedisConfig backs ingestion queues, webhook dedup and pub/sub invalidation.
type RedisConfig struct {
	URL string `json:"url" env:"REDIS_URL"`
}

// CORSConfig controls the browser-facing CORS layer in front of the C8
// request surface. Disabled by default: activekg's own callers are
// server-to-server, and a same-origin UI deployment needs no CORS headers
// at all.
type CORSConfig struct {
	Enabled bool `json:"enabled" env:"CORS_ENABLED"`
	// Origins is populated from the comma-separated CORS_ORIGINS env var
	// (see applyCORSOriginsOverride) rather than envdecode, matching the
	// KEK_V* and DATABASE_URL override pattern elsewhere in this file.
	Origins     []string `json:"origins"`
	Credentials bool     `json:"credentials" env:"CORS_CREDENTIALS"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server           ServerConfig               `json:"server"`
	Database         DatabaseConfig             `json:"database"`
	Logging          LoggingConfig              `json:"logging"`
	Security         SecurityConfig             `json:"security"`
	Auth             AuthConfig                 `json:"auth"`
	Embedding        EmbeddingConfig            `json:"embedding"`
	Retrieval        RetrievalConfig            `json:"retrieval"`
	Scheduler        SchedulerConfig            `json:"scheduler"`
	Ingestion        IngestionConfig            `json:"ingestion"`
	ConnectorConfigs ConnectorConfigStoreConfig `json:"connector_configs"`
	Redis            RedisConfig                `json:"redis"`
	RateLimit        RateLimitConfig            `json:"rate_limit"`
	CORS             CORSConfig                 `json:"cors"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
			RLSMode:         "auto",
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "activekg"},
		Security: SecurityConfig{},
		Auth: AuthConfig{
			Algorithm:   "HS256",
			DevTenantID: "dev",
			DevScopes:   []string{"search:read", "nodes:write", "admin:refresh"},
		},
		Embedding: EmbeddingConfig{Dimensions: 256, MaxChars: 8192, MaxBatchSize: 64, ModelVersion: "activekg-hash-v1"},
		Retrieval: RetrievalConfig{
			FusionMode: "rrf", Alpha: 0.5, Beta: 0.5,
			RecencyLambda: 0.01, DriftBeta: 0.5, RerankTopN: 50,
			AskGateThreshold: 0.05, DefaultTopK: 10,
		},
		Scheduler: SchedulerConfig{
			TickInterval: "5s", BatchSize: 50, HTTPTimeout: "10s", MaxPayloadBytes: 10 << 20,
		},
		Ingestion: IngestionConfig{
			ChunkSize: 1000, ChunkOverlap: 100, Workers: 4,
			MaxDocsPerHour: 1000, MaxBytesPerHour: 500 << 20, MaxBodyBytes: 5 << 20,
			DedupTTL: "5m", GraceDuration: "168h",
		},
		ConnectorConfigs: ConnectorConfigStoreConfig{ActiveKEKVersion: "KEK_V1", CacheTTL: "5m", KEKs: map[string]string{}},
		Redis:            RedisConfig{URL: "redis://localhost:6379/0"},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rules: map[string]RateLimitRule{
				"search":     {Rate: 30, Burst: 10},
				"ask":        {Rate: 10, Burst: 5, Concurrency: 4},
				"ask_stream": {Rate: 10, Burst: 5, Concurrency: 4},
				"nodes":      {Rate: 60, Burst: 20},
				"default":    {Rate: 120, Burst: 30},
			},
		},
		CORS: CORSConfig{
			Enabled:     false,
			Origins:     []string{"http://localhost:5173"},
			Credentials: true,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields are present in the
		// environment; treat that as "no overrides" for local runs.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	applyCORSOriginsOverride(cfg)
	loadKEKs(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	applyCORSOriginsOverride(cfg)
	loadKEKs(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	applyCORSOriginsOverride(cfg)
	loadKEKs(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride aligns config loading with cmd/activekg: DATABASE_URL
// overrides any file-based DSN to reduce setup friction in container deploys.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// applyCORSOriginsOverride reads CORS_ORIGINS as a comma-separated allowlist,
// overriding the file/default value the same way DATABASE_URL overrides the
// DSN. Left alone (nil origins) a CORS_ENABLED=true with no origins set
// denies every cross-origin request rather than silently allowing one.
func applyCORSOriginsOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if raw := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.CORS.Origins = origins
	}
}

// loadKEKs reads KEK_V1..KEK_Vn from the environment. Missing keys are
// skipped; the active version (ConnectorConfigs.ActiveKEKVersion) must
// resolve to a loaded key or cmd/activekg fails fast at startup.
func loadKEKs(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.ConnectorConfigs.KEKs == nil {
		cfg.ConnectorConfigs.KEKs = map[string]string{}
	}
	for i := 1; i <= 20; i++ {
		name := fmt.Sprintf("KEK_V%d", i)
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			// Key format matches storedConfig.KeyVersion ("KEK_V%d") exactly,
			// so Cipher's active/stamped version can be persisted and parsed
			// back by connectorconfig.Repository without translation.
			cfg.ConnectorConfigs.KEKs[name] = v
		}
	}
}
