package ingestion

import "strings"

// ChunkConfig controls chunk size and overlap, in runes.
type ChunkConfig struct {
	Size    int
	Overlap int
}

// Chunk splits text into overlapping windows, preferring to break on
// paragraph or sentence boundaries near the target size so chunks stay
// semantically coherent rather than cutting mid-word.
func Chunk(text string, cfg ChunkConfig) []string {
	if cfg.Size <= 0 {
		cfg.Size = 1000
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = 0
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= cfg.Size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := start + cfg.Size
		if end > len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[start:end])))
		if end >= len(runes) {
			break
		}
		next := end - cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint looks backward from end for a paragraph, sentence, or word
// boundary within a small window so a chunk rarely splits a word in half.
func breakPoint(runes []rune, start, end int) int {
	window := 80
	floor := end - window
	if floor < start {
		floor = start
	}
	for _, boundary := range []rune{'\n', '.', '!', '?', ' '} {
		for i := end; i > floor; i-- {
			if runes[i-1] == boundary {
				return i
			}
		}
	}
	return end
}
