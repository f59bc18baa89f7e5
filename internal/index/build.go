package index

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ragstarter/internal/chunking"
	"github.com/kalambet/ragstarter/internal/document"
)

// Stage names a phase of an index build.
type Stage string

const (
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageWriting   Stage = "writing"
)

// Progress is reported during a build. Done counts items finished within
// the stage out of Total.
type Progress struct {
	Stage Stage
	Done  int
	Total int
}

// BuildOptions configures Build.
type BuildOptions struct {
	Chunk    chunking.Options
	Embedder *Embedder
	Progress func(Progress)
	Logger   *slog.Logger
	Now      func() time.Time
}

func (o BuildOptions) report(p Progress) {
	if o.Progress != nil {
		o.Progress(p)
	}
}

func (o BuildOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// embedBatch is how many chunks are embedded between progress reports.
const embedBatch = 64

// Build chunks and embeds docs and writes a new index into dir, which must
// not already hold one. On error the directory may hold a partial database;
// Resolve builds into a temporary directory for that reason.
func Build(ctx context.Context, dir string, docs []document.Document, opts BuildOptions) (*Index, error) {
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("build: no embedder configured")
	}
	log := opts.logger()
	start := time.Now()

	var records []record
	for i, doc := range docs {
		chunks, err := chunking.ForDocument(doc, opts.Chunk).Chunk(doc.Text)
		if err != nil {
			return nil, fmt.Errorf("chunking %s: %w", doc.Path, err)
		}
		for _, c := range chunks {
			records = append(records, record{DocumentID: doc.ID, Chunk: c})
		}
		log.Debug("chunked document", "path", doc.Path, "chunks", len(chunks))
		opts.report(Progress{Stage: StageChunking, Done: i + 1, Total: len(docs)})
	}
	if len(records) == 0 {
		return nil, ErrNoDocuments
	}

	for startIdx := 0; startIdx < len(records); startIdx += embedBatch {
		end := min(startIdx+embedBatch, len(records))
		texts := make([]string, end-startIdx)
		for j := range texts {
			texts[j] = records[startIdx+j].Chunk.EmbedText()
		}
		vecs, err := opts.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embedding chunks: %w", err)
		}
		for j, v := range vecs {
			records[startIdx+j].Embedding = v
		}
		opts.report(Progress{Stage: StageEmbedding, Done: end, Total: len(records)})
	}

	dim := len(records[0].Embedding)
	for _, r := range records {
		if len(r.Embedding) != dim {
			return nil, fmt.Errorf("embedding chunks: mixed dimensions %d and %d", dim, len(r.Embedding))
		}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	meta := Meta{
		EmbedModel:   opts.Embedder.Model(),
		Dimension:    dim,
		CreatedAt:    now().UTC().Truncate(time.Second),
		Fingerprint:  document.Fingerprint(docs),
		ChunkSize:    opts.Chunk.Size,
		ChunkOverlap: opts.Chunk.Overlap,
	}

	s, err := openStore(dir, true)
	if err != nil {
		return nil, err
	}
	if err := writeIndex(ctx, s, docs, records, meta); err != nil {
		s.close()
		return nil, err
	}
	opts.report(Progress{Stage: StageWriting, Done: len(records), Total: len(records)})

	idx, err := load(s, dir, opts.Embedder)
	if err != nil {
		s.close()
		return nil, err
	}
	log.Info("built index", "documents", len(docs), "chunks", len(records),
		"dimension", dim, "elapsed", time.Since(start).Truncate(time.Millisecond))
	return idx, nil
}

func writeIndex(ctx context.Context, s *store, docs []document.Document, records []record, meta Meta) error {
	if err := s.insertDocuments(ctx, docs); err != nil {
		return err
	}
	if err := s.insertChunks(ctx, records); err != nil {
		return err
	}
	return s.setMeta(ctx, meta.toMap())
}
