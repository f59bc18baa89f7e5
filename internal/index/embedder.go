package index

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragstarter/internal/engine"
)

const (
	defaultConcurrency = 4
	defaultBatchSize   = 16
)

// Embedder wraps an Engine to generate text embeddings with one model.
type Embedder struct {
	engine      engine.Engine
	model       string
	concurrency int
	batchSize   int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// concurrency bounds in-flight embedding requests; values below 1 use 4.
func NewEmbedder(e engine.Engine, model string, concurrency int) *Embedder {
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	return &Embedder{engine: e, model: model, concurrency: concurrency, batchSize: defaultBatchSize}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: model %s returned an empty vector", e.model)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for texts, in input order. Engines
// that accept several inputs per request get batches of up to batchSize
// texts; others get one request per text. Either way at most concurrency
// requests are in flight. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	if be, ok := e.engine.(engine.BatchEmbedder); ok {
		for start := 0; start < len(texts); start += e.batchSize {
			start, end := start, min(start+e.batchSize, len(texts))
			g.Go(func() error {
				vecs, err := be.EmbedBatch(gCtx, e.model, texts[start:end])
				if err != nil {
					return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
				}
				if len(vecs) != end-start {
					return fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
				}
				copy(results[start:end], vecs)
				return nil
			})
		}
	} else {
		for i, text := range texts {
			i, text := i, text
			g.Go(func() error {
				vec, err := e.engine.Embed(gCtx, e.model, text)
				if err != nil {
					return fmt.Errorf("embedding text %d: %w", i, err)
				}
				results[i] = vec
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(results[0])
	for i, v := range results {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("embedding text %d: dimension %d, want %d", i, len(v), dim)
		}
	}
	return results, nil
}
