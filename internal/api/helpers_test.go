package api

import (
	"context"
	"time"

	"github.com/kalambet/ragstarter/internal/evaluation"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/query"
)

type mockSearcher struct {
	results   []index.Result
	docs      []index.DocumentInfo
	stats     index.Stats
	err       error
	lastQuery string
	lastTopK  int
}

func (m *mockSearcher) Query(_ context.Context, text string, topK int) ([]index.Result, error) {
	m.lastQuery = text
	m.lastTopK = topK
	return m.results, m.err
}

func (m *mockSearcher) Stats(context.Context) (index.Stats, error) { return m.stats, m.err }

func (m *mockSearcher) Documents(context.Context) ([]index.DocumentInfo, error) {
	return m.docs, m.err
}

type mockAnswerer struct {
	answer string
	err    error
	asked  []string
}

func (m *mockAnswerer) Query(_ context.Context, q string) (query.Response, error) {
	m.asked = append(m.asked, q)
	if m.err != nil {
		return query.Response{}, m.err
	}
	return query.Response{
		Question: q,
		Answer:   m.answer,
		Sources: []query.Source{
			{ChunkID: "c1", DocumentPath: "essay.txt", Text: "I wrote short stories.", Score: 0.9},
		},
	}, nil
}

type mockEvaluator struct {
	passing bool
	err     error
}

func (m *mockEvaluator) Evaluate(_ context.Context, q string, resp query.Response) (evaluation.Result, error) {
	if m.err != nil {
		return evaluation.Result{}, m.err
	}
	score := 0.0
	if m.passing {
		score = 1
	}
	return evaluation.Result{
		Query:    q,
		Response: resp.Answer,
		Contexts: resp.Contexts(),
		Passing:  m.passing,
		Feedback: "checked against context",
		Score:    score,
	}, nil
}

func testDeps() (Deps, *mockSearcher, *mockAnswerer) {
	s := &mockSearcher{
		results: []index.Result{
			{ChunkID: "c1", DocumentPath: "essay.txt", Text: "I wrote short stories.", Score: 0.9},
			{ChunkID: "c2", DocumentPath: "notes.md", Heading: "Painting", Text: "Florence", Score: 0.4},
		},
		docs: []index.DocumentInfo{
			{ID: "d1", Path: "essay.txt", Title: "essay", Size: 120, Chunks: 3},
		},
		stats: index.Stats{
			Meta: index.Meta{
				EmbedModel:    "nomic-embed-text",
				Dimension:     768,
				CreatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
				ChunkSize:     512,
				ChunkOverlap:  20,
				SchemaVersion: 1,
			},
			Path:      "./storage",
			Documents: 1,
			Chunks:    3,
			SizeBytes: 4096,
		},
	}
	a := &mockAnswerer{answer: "He wrote short stories."}
	return Deps{Index: s, Answers: a, Evaluator: &mockEvaluator{passing: true}}, s, a
}
