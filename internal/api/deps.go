// Package api exposes an open index over HTTP and over the Model Context
// Protocol.
package api

import (
	"context"

	"github.com/kalambet/ragstarter/internal/evaluation"
	"github.com/kalambet/ragstarter/internal/index"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// Searcher is the read side of an index. *index.Index satisfies it.
type Searcher interface {
	Query(ctx context.Context, text string, topK int) ([]index.Result, error)
	Stats(ctx context.Context) (index.Stats, error)
	Documents(ctx context.Context) ([]index.DocumentInfo, error)
}

// Deps holds what the HTTP and MCP surfaces serve.
type Deps struct {
	Index Searcher

	// Answers is the query engine. *query.Engine satisfies it.
	Answers evaluation.Answerer

	// Evaluator backs POST /evaluate. Nil disables the route.
	Evaluator evaluation.Evaluator

	// Token, when set, is required as a bearer token on every HTTP route
	// except /health.
	Token string
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// statsView is the JSON shape of index statistics.
type statsView struct {
	Path          string `json:"path"`
	Documents     int    `json:"documents"`
	Chunks        int    `json:"chunks"`
	SizeBytes     int64  `json:"size_bytes"`
	EmbedModel    string `json:"embed_model"`
	Dimension     int    `json:"dimension"`
	CreatedAt     string `json:"created_at"`
	Fingerprint   string `json:"fingerprint"`
	ChunkSize     int    `json:"chunk_size"`
	ChunkOverlap  int    `json:"chunk_overlap"`
	SchemaVersion int    `json:"schema_version"`
}

func newStatsView(st index.Stats) statsView {
	return statsView{
		Path:          st.Path,
		Documents:     st.Documents,
		Chunks:        st.Chunks,
		SizeBytes:     st.SizeBytes,
		EmbedModel:    st.EmbedModel,
		Dimension:     st.Dimension,
		CreatedAt:     st.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Fingerprint:   st.Fingerprint,
		ChunkSize:     st.ChunkSize,
		ChunkOverlap:  st.ChunkOverlap,
		SchemaVersion: st.SchemaVersion,
	}
}

// evaluateView is the result of evaluating one question.
type evaluateView struct {
	Record   evaluation.Record `json:"record"`
	Passing  bool              `json:"passing"`
	Contexts []string          `json:"contexts"`
}

func evaluate(ctx context.Context, deps Deps, question string) (evaluateView, error) {
	resp, err := deps.Answers.Query(ctx, question)
	if err != nil {
		return evaluateView{}, err
	}
	res, err := deps.Evaluator.Evaluate(ctx, question, resp)
	if err != nil {
		return evaluateView{}, err
	}
	rec, err := evaluation.RecordFromResult(res)
	if err != nil {
		return evaluateView{}, err
	}
	return evaluateView{Record: rec, Passing: res.Passing, Contexts: res.Contexts}, nil
}
