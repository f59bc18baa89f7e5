// Package index builds, persists and searches the vector index over a
// document set. An index is a directory holding one SQLite database.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kalambet/ragstarter/internal/document"
)

var (
	// ErrNoDocuments is returned when there is nothing to index.
	ErrNoDocuments = document.ErrNoDocuments

	// ErrCorruptIndex is returned when a persisted index cannot be read back.
	ErrCorruptIndex = errors.New("index is missing or corrupt")

	// ErrModelMismatch is returned when an index is opened with an embedding
	// model other than the one it was built with.
	ErrModelMismatch = errors.New("embedding model does not match index")
)

// Meta describes how an index was built.
type Meta struct {
	EmbedModel    string
	Dimension     int
	CreatedAt     time.Time
	Fingerprint   string
	ChunkSize     int
	ChunkOverlap  int
	SchemaVersion int
}

const (
	metaEmbedModel   = "embed_model"
	metaDimension    = "dimension"
	metaCreatedAt    = "created_at"
	metaFingerprint  = "fingerprint"
	metaChunkSize    = "chunk_size"
	metaChunkOverlap = "chunk_overlap"
)

func (m Meta) toMap() map[string]string {
	return map[string]string{
		metaEmbedModel:   m.EmbedModel,
		metaDimension:    strconv.Itoa(m.Dimension),
		metaCreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
		metaFingerprint:  m.Fingerprint,
		metaChunkSize:    strconv.Itoa(m.ChunkSize),
		metaChunkOverlap: strconv.Itoa(m.ChunkOverlap),
	}
}

func metaFromMap(kv map[string]string) (Meta, error) {
	var m Meta
	var err error
	m.EmbedModel = kv[metaEmbedModel]
	if m.EmbedModel == "" {
		return Meta{}, fmt.Errorf("missing %s", metaEmbedModel)
	}
	if m.Dimension, err = strconv.Atoi(kv[metaDimension]); err != nil || m.Dimension <= 0 {
		return Meta{}, fmt.Errorf("invalid %s %q", metaDimension, kv[metaDimension])
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, kv[metaCreatedAt]); err != nil {
		return Meta{}, fmt.Errorf("invalid %s: %w", metaCreatedAt, err)
	}
	m.Fingerprint = kv[metaFingerprint]
	m.ChunkSize, _ = strconv.Atoi(kv[metaChunkSize])
	m.ChunkOverlap, _ = strconv.Atoi(kv[metaChunkOverlap])
	return m, nil
}

// Result is one chunk returned by a search, with its cosine similarity.
type Result struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentPath  string  `json:"document_path"`
	DocumentTitle string  `json:"document_title"`
	Seq           int     `json:"seq"`
	Heading       string  `json:"heading,omitempty"`
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
}

// DocumentInfo summarizes one indexed document.
type DocumentInfo struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Title  string `json:"title"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

// Stats reports index size.
type Stats struct {
	Meta
	Path      string
	Documents int
	Chunks    int
	SizeBytes int64
}

// Index is an open, searchable index.
type Index struct {
	store    *store
	embedder *Embedder
	meta     Meta
	dir      string
}

// Open loads the index persisted in dir. embedder is used by Query; it may be
// nil for callers that only Search with their own vectors. An embedder whose
// model differs from the one recorded in the index yields ErrModelMismatch.
func Open(dir string, embedder *Embedder) (*Index, error) {
	s, err := openStore(dir, false)
	if err != nil {
		return nil, err
	}
	idx, err := load(s, dir, embedder)
	if err != nil {
		s.close()
		return nil, err
	}
	return idx, nil
}

func load(s *store, dir string, embedder *Embedder) (*Index, error) {
	kv, err := s.meta(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	meta, err := metaFromMap(kv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if meta.SchemaVersion, err = s.schemaVersion(); err != nil {
		return nil, fmt.Errorf("%w: reading schema version: %v", ErrCorruptIndex, err)
	}
	if embedder != nil && embedder.Model() != meta.EmbedModel {
		return nil, fmt.Errorf("%w: index built with %s, configured %s; rebuild the index",
			ErrModelMismatch, meta.EmbedModel, embedder.Model())
	}
	return &Index{store: s, embedder: embedder, meta: meta, dir: dir}, nil
}

// Meta returns how the index was built.
func (i *Index) Meta() Meta {
	return i.meta
}

// Dir returns the directory the index lives in.
func (i *Index) Dir() string {
	return i.dir
}

// Search returns the topK chunks most similar to vector, best first.
func (i *Index) Search(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if len(vector) != i.meta.Dimension {
		return nil, fmt.Errorf("query vector has dimension %d, index has %d", len(vector), i.meta.Dimension)
	}
	return i.store.search(ctx, vector, topK)
}

// Query embeds text with the index's embedder and searches for it.
func (i *Index) Query(ctx context.Context, text string, topK int) ([]Result, error) {
	if i.embedder == nil {
		return nil, fmt.Errorf("index opened without an embedder")
	}
	vec, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return i.Search(ctx, vec, topK)
}

// Documents lists the indexed documents in path order.
func (i *Index) Documents(ctx context.Context) ([]DocumentInfo, error) {
	return i.store.documents(ctx)
}

// Stats counts documents and chunks and reports the database size.
func (i *Index) Stats(ctx context.Context) (Stats, error) {
	docs, chunks, err := i.store.counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Meta: i.meta, Path: i.dir, Documents: docs, Chunks: chunks}
	if i.store.path != "" {
		if fi, err := os.Stat(i.store.path); err == nil {
			st.SizeBytes = fi.Size()
		}
	}
	return st, nil
}

// Stale reports whether docs differ from the documents the index was built from.
func (i *Index) Stale(docs []document.Document) bool {
	return i.meta.Fingerprint != document.Fingerprint(docs)
}

// Close releases the database.
func (i *Index) Close() error {
	return i.store.close()
}
