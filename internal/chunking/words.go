package chunking

import (
	"fmt"
	"strings"
)

// WordChunker slides a window of Size words over the text, advancing by
// Size-Overlap words each step. The last window ends at the final word.
type WordChunker struct {
	Size    int
	Overlap int
}

func (w *WordChunker) Chunk(text string) ([]Chunk, error) {
	if w.Size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", w.Size)
	}
	if w.Overlap < 0 || w.Overlap >= w.Size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", w.Size, w.Overlap)
	}
	return windows(strings.Fields(text), w.Size, w.Overlap, 0, ""), nil
}

// windows cuts words into overlapping windows. base is added to each
// chunk's Offset; heading is copied onto every chunk.
func windows(words []string, size, overlap, base int, heading string) []Chunk {
	if len(words) == 0 {
		return nil
	}
	step := size - overlap

	var chunks []Chunk
	for i := 0; i < len(words); i += step {
		end := min(i+size, len(words))
		chunks = append(chunks, Chunk{
			Index:   len(chunks),
			Heading: heading,
			Text:    strings.Join(words[i:end], " "),
			Offset:  base + i,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
