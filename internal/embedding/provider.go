// Package embedding implements C2: a deterministic, batched text embedder
// with request-level deduplication, grounded on the singleflight caching
// pattern in the reference sqlite-vec vector client (getOrComputeEmbedding)
// and generalized from query-embedding caching to a full batch Provider.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/activekg/activekg/internal/platform/svcerr"
	"github.com/activekg/activekg/internal/vecmath"
)

// Config controls embedding dimensionality, truncation and batching.
type Config struct {
	Dimensions    int // output vector length, D
	MaxChars      int // text is truncated to this many runes before embedding
	MaxBatchSize  int // EmbedBatch never sends more than this many texts to Embed in one shot
	ModelVersion  string
}

func DefaultConfig() Config {
	return Config{Dimensions: 256, MaxChars: 8192, MaxBatchSize: 64, ModelVersion: "activekg-hash-v1"}
}

// Provider is the C2 contract: deterministic L2-normalized embeddings.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Version() string
}

// HashProvider is a deterministic, dependency-free embedding backend: it
// hashes shingled tokens into a fixed-width vector and L2-normalizes the
// result. It exists so the rest of the system (retrieval, scheduler,
// trigger engine) can be built and exercised without a live model API
// dependency; swapping in a hosted embedding API means implementing the
// same Provider interface.
type HashProvider struct {
	cfg   Config
	group singleflight.Group
}

func NewHashProvider(cfg Config) *HashProvider {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultConfig().Dimensions
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultConfig().MaxChars
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = DefaultConfig().ModelVersion
	}
	return &HashProvider{cfg: cfg}
}

func (p *HashProvider) Dimensions() int { return p.cfg.Dimensions }
func (p *HashProvider) Version() string { return p.cfg.ModelVersion }

// Embed computes one embedding, deduplicating identical concurrent calls for
// the same (truncated) text via singleflight.
func (p *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	truncated := truncate(text, p.cfg.MaxChars)
	v, err, _ := p.group.Do(truncated, func() (interface{}, error) {
		return p.embedOne(truncated), nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return v.([]float32), nil
}

// EmbedBatch embeds texts in chunks of cfg.MaxBatchSize, preserving order.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += p.cfg.MaxBatchSize {
		end := start + p.cfg.MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		for i := start; i < end; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			v, err := p.Embed(ctx, texts[i])
			if err != nil {
				return nil, svcerr.DependencyUnavailable("embedding provider", err)
			}
			out[i] = v
		}
	}
	return out, nil
}

func truncate(text string, maxChars int) string {
	r := []rune(text)
	if len(r) <= maxChars {
		return text
	}
	return string(r[:maxChars])
}

// embedOne produces a deterministic vector from overlapping word shingles:
// each shingle's SHA-256 digest is folded into a bucket, giving a stable
// bag-of-shingles sketch that two embeddings of the same text always agree
// on, then L2-normalized per spec.md C2.
func (p *HashProvider) embedOne(text string) []float32 {
	v := make([]float32, p.cfg.Dimensions)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return vecmath.Normalize(v)
	}
	const shingleSize = 2
	for i := 0; i < len(tokens); i++ {
		end := i + shingleSize
		if end > len(tokens) {
			end = len(tokens)
		}
		shingle := strings.Join(tokens[i:end], " ")
		h := sha256.Sum256([]byte(shingle))
		for b := 0; b < len(h); b += 4 {
			bucket := binary.BigEndian.Uint32(h[b:b+4]) % uint32(p.cfg.Dimensions)
			sign := float32(1)
			if h[b]%2 == 1 {
				sign = -1
			}
			v[bucket] += sign
		}
	}
	return vecmath.Normalize(v)
}

// CacheKey returns a stable digest for text, used by callers that need a
// content-addressed reference without invoking the provider (e.g. drift
// bookkeeping in embedding_history.embedding_ref).
func CacheKey(modelVersion, text string) string {
	h := sha256.Sum256([]byte(modelVersion + "\x00" + text))
	return fmt.Sprintf("%s:%x", modelVersion, h[:8])
}
