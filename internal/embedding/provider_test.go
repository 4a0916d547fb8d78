package embedding

import (
	"context"
	"sync"
	"testing"

	"github.com/activekg/activekg/internal/vecmath"
)

func TestEmbedIsDeterministic(t *testing.T) {
	p := NewHashProvider(DefaultConfig())
	ctx := context.Background()

	a, err := p.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := p.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != p.Dimensions() {
		t.Fatalf("expected %d dims, got %d", p.Dimensions(), len(a))
	}
	if vecmath.Cosine(a, b) < 0.999999 {
		t.Fatalf("expected identical text to embed identically, cosine=%f", vecmath.Cosine(a, b))
	}
}

func TestEmbedIsNormalized(t *testing.T) {
	p := NewHashProvider(DefaultConfig())
	v, err := p.Embed(context.Background(), "normalization check")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	norm := vecmath.Norm(v)
	if norm < 0.99 || norm > 1.01 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
}

func TestEmbedEmptyTextPassesThroughZeroVector(t *testing.T) {
	p := NewHashProvider(DefaultConfig())
	v, err := p.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecmath.Norm(v) != 0 {
		t.Fatalf("expected zero vector for empty text, got norm %f", vecmath.Norm(v))
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	p := NewHashProvider(DefaultConfig())
	texts := []string{"alpha", "beta", "gamma"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	for i, text := range texts {
		single, _ := p.Embed(context.Background(), text)
		if vecmath.Cosine(single, vecs[i]) < 0.999999 {
			t.Fatalf("batch result %d does not match single embed", i)
		}
	}
}

func TestEmbedConcurrentDuplicatesDeduplicate(t *testing.T) {
	p := NewHashProvider(DefaultConfig())
	var wg sync.WaitGroup
	results := make([][]float32, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := p.Embed(context.Background(), "shared text for singleflight dedup")
			if err != nil {
				t.Errorf("embed: %v", err)
				return
			}
			results[idx] = v
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if vecmath.Cosine(results[0], results[i]) < 0.999999 {
			t.Fatalf("expected all concurrent calls to agree, mismatch at index %d", i)
		}
	}
}

func TestTextLongerThanMaxCharsIsTruncatedConsistently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChars = 10
	p := NewHashProvider(cfg)

	short := "abcdefghij"
	long := "abcdefghijklmnopqrstuvwxyz"

	a, _ := p.Embed(context.Background(), short)
	b, _ := p.Embed(context.Background(), long)
	if vecmath.Cosine(a, b) < 0.999999 {
		t.Fatal("expected truncation to make both embeddings identical")
	}
}
