package chunking

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// MarkdownChunker splits markdown at H1 and H2 boundaries. Each section
// keeps its heading path, and sections longer than Options.Size words are
// word-windowed further.
type MarkdownChunker struct {
	md   goldmark.Markdown
	opts Options
}

// NewMarkdownChunker creates a chunker with a goldmark parser that assigns
// heading IDs, which the table of contents is keyed by.
func NewMarkdownChunker(opts Options) *MarkdownChunker {
	return &MarkdownChunker{
		md: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
		opts: opts,
	}
}

type section struct {
	start   int // byte offset of the section body
	end     int
	heading string
}

func (c *MarkdownChunker) Chunk(src string) ([]Chunk, error) {
	if c.opts.Size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", c.opts.Size)
	}
	if c.opts.Overlap < 0 || c.opts.Overlap >= c.opts.Size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", c.opts.Size, c.opts.Overlap)
	}

	source := []byte(src)
	doc := c.md.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}
	paths := make(map[string]string)
	collectPaths(tree.Items, nil, paths)

	sections := []section{{start: 0}}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		seg := h.Lines().At(0)
		sections[len(sections)-1].end = lineStart(source, seg.Start)

		heading, ok := paths[headingID(h)]
		if !ok {
			heading = strings.TrimSpace(string(source[seg.Start:seg.Stop]))
		}
		sections = append(sections, section{
			start:   skipHeadingLines(source, seg.Stop),
			heading: heading,
		})
	}
	sections[len(sections)-1].end = len(source)

	var (
		chunks   []Chunk
		wordBase int
	)
	for _, s := range sections {
		if s.end < s.start {
			s.end = s.start
		}
		body := string(source[s.start:s.end])
		words := strings.Fields(body)
		if len(words) == 0 {
			continue
		}
		if len(words) <= c.opts.Size {
			chunks = append(chunks, Chunk{
				Heading: s.heading,
				Text:    strings.TrimSpace(body),
				Offset:  wordBase,
			})
		} else {
			chunks = append(chunks, windows(words, c.opts.Size, c.opts.Overlap, wordBase, s.heading)...)
		}
		wordBase += len(words)
	}

	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// collectPaths maps each heading ID to its " > "-joined title path.
func collectPaths(items toc.Items, ancestors []string, out map[string]string) {
	for _, item := range items {
		path := append(append([]string(nil), ancestors...), string(item.Title))
		if len(item.ID) > 0 {
			out[string(item.ID)] = strings.Join(path, " > ")
		}
		collectPaths(item.Items, path, out)
	}
}

func headingID(h *ast.Heading) string {
	v, ok := h.AttributeString("id")
	if !ok {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

func lineStart(source []byte, pos int) int {
	if i := bytes.LastIndexByte(source[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// skipHeadingLines returns the offset just past the heading line that
// contains pos, and past a setext underline if one follows.
func skipHeadingLines(source []byte, pos int) int {
	next := func(p int) int {
		if i := bytes.IndexByte(source[p:], '\n'); i >= 0 {
			return p + i + 1
		}
		return len(source)
	}
	end := next(pos)
	underline := source[end:next(end)]
	if t := bytes.TrimSpace(underline); len(t) > 0 && (isRun(t, '=') || isRun(t, '-')) {
		return next(end)
	}
	return end
}

func isRun(b []byte, c byte) bool {
	for _, x := range b {
		if x != c {
			return false
		}
	}
	return true
}
