package ingestion

import (
	"strings"
	"testing"
)

func TestChunkShortTextReturnsSingleChunk(t *testing.T) {
	chunks := Chunk("hello world", ChunkConfig{Size: 1000, Overlap: 100})
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("expected single chunk, got %+v", chunks)
	}
}

func TestChunkEmptyTextReturnsNoChunks(t *testing.T) {
	if chunks := Chunk("   ", ChunkConfig{Size: 100}); len(chunks) != 0 {
		t.Fatalf("expected no chunks for blank text, got %+v", chunks)
	}
}

func TestChunkLongTextSplitsWithOverlap(t *testing.T) {
	text := strings.Repeat("word ", 500) // 2500 runes
	chunks := Chunk(text, ChunkConfig{Size: 200, Overlap: 50})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long text, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 200+1 {
			t.Fatalf("chunk exceeds configured size: %d runes", len([]rune(c)))
		}
	}
}

func TestChunkInvalidOverlapFallsBackToZero(t *testing.T) {
	text := strings.Repeat("x", 300)
	chunks := Chunk(text, ChunkConfig{Size: 100, Overlap: 999})
	if len(chunks) == 0 {
		t.Fatal("expected chunks to be produced despite invalid overlap")
	}
}
