// Package chunking splits document text into the passages that get embedded.
package chunking

import (
	"strings"

	"github.com/kalambet/ragstarter/internal/document"
)

// Chunk is one passage of a document.
type Chunk struct {
	Index   int    // position within the document, from 0
	Heading string // section path such as "Growing Up > School"; empty for plain text
	Text    string
	Offset  int // word offset of the chunk's first word within the document
}

// EmbedText is the text sent to the embedding model: the heading path, when
// there is one, followed by the passage.
func (c Chunk) EmbedText() string {
	if c.Heading == "" {
		return c.Text
	}
	return c.Heading + "\n\n" + c.Text
}

// Words returns the number of whitespace-separated words in the chunk text.
func (c Chunk) Words() int {
	return len(strings.Fields(c.Text))
}

// Chunker splits text into ordered chunks.
type Chunker interface {
	Chunk(text string) ([]Chunk, error)
}

// Options sizes chunks in words.
type Options struct {
	Size    int
	Overlap int
}

// ForDocument picks the chunker for a document by its extension: markdown
// is split by heading first, everything else is word-windowed.
func ForDocument(doc document.Document, opts Options) Chunker {
	switch doc.Ext() {
	case ".md", ".markdown":
		return NewMarkdownChunker(opts)
	default:
		return &WordChunker{Size: opts.Size, Overlap: opts.Overlap}
	}
}
