package index

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/ragstarter/internal/chunking"
	"github.com/kalambet/ragstarter/internal/document"
	"github.com/kalambet/ragstarter/internal/engine"
)

const testDim = 64

// hashEngine embeds text as a bag of hashed, lower-cased words so that texts
// sharing words score close together.
type hashEngine struct {
	embedCalls atomic.Int32
	batchCalls atomic.Int32
	failAfter  int32 // Embed fails once this many calls have been made; 0 never fails
	dim        int
}

func (h *hashEngine) Name() string { return "fake" }

func (h *hashEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", errors.New("not implemented")
}

func (h *hashEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	n := h.embedCalls.Add(1)
	if h.failAfter > 0 && n > h.failAfter {
		return nil, errors.New("connection refused")
	}
	dim := h.dim
	if dim == 0 {
		dim = testDim
	}
	return hashVector(text, dim), nil
}

func (h *hashEngine) IsRunning(_ context.Context) bool               { return true }
func (h *hashEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (h *hashEngine) HasModel(_ context.Context, _ string) bool      { return true }
func (h *hashEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return engine.ErrPullUnsupported
}

// batchHashEngine adds multi-input requests on top of hashEngine.
type batchHashEngine struct {
	hashEngine
}

func (b *batchHashEngine) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	b.batchCalls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.Embed(ctx, model, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?#>\"'()")
		if w == "" {
			continue
		}
		f := fnv.New32a()
		f.Write([]byte(w))
		v[f.Sum32()%uint32(dim)] += 1
	}
	// Keep every vector non-zero.
	v[dim-1] += 0.01
	return v
}

func testDocs() []document.Document {
	mk := func(path, title, text string) document.Document {
		return document.Document{
			ID:    document.IDFor(path),
			Path:  path,
			Title: title,
			Text:  text,
			Metadata: document.Metadata{
				Extension: strings.ToLower(path[strings.LastIndex(path, "."):]),
				Size:      int64(len(text)),
			},
		}
	}
	return []document.Document{
		mk("solar.txt", "solar", "Solar panels convert sunlight into electricity using photovoltaic cells."),
		mk("notes/bread.md", "Baking", "# Baking\n\nSourdough bread needs flour water salt and a lively starter."),
		mk("ocean.txt", "ocean", "Tides rise and fall twice a day because of the moon's gravity."),
	}
}

func newTestEmbedder(e engine.Engine) *Embedder {
	return NewEmbedder(e, "nomic-embed-text", 2)
}

func buildOpts(e engine.Engine) BuildOptions {
	return BuildOptions{
		Chunk:    chunking.Options{Size: 8, Overlap: 2},
		Embedder: newTestEmbedder(e),
	}
}

func mustBuild(t *testing.T, dir string) *Index {
	t.Helper()
	idx, err := Build(context.Background(), dir, testDocs(), buildOpts(&batchHashEngine{}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// countingSource records how often it was asked for documents.
type countingSource struct {
	docs  []document.Document
	err   error
	calls int
}

func (c *countingSource) Load(_ context.Context) ([]document.Document, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.docs, nil
}
