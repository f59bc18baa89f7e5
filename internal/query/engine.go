// Package query answers questions over an index: retrieve the closest
// passages, compose a grounded prompt and ask the chat model.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/reranking"
)

// NoContextAnswer is returned without calling the model when retrieval finds
// nothing.
const NoContextAnswer = "Empty Response"

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question is empty")

// Retriever finds passages for a question. *index.Index satisfies it.
type Retriever interface {
	Query(ctx context.Context, text string, topK int) ([]index.Result, error)
}

// Source is a passage the answer was grounded on.
type Source struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentPath string  `json:"document_path"`
	Heading      string  `json:"heading,omitempty"`
	Text         string  `json:"text"`
	Score        float32 `json:"score"`
}

// Response is an answered question.
type Response struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Sources  []Source `json:"sources"`
}

// Contexts returns the source passage texts in rank order.
func (r Response) Contexts() []string {
	out := make([]string, len(r.Sources))
	for i, s := range r.Sources {
		out[i] = s.Text
	}
	return out
}

// candidateFactor is how many more passages than TopK are retrieved when a
// reranker will narrow them down.
const candidateFactor = 3

// Options configures an Engine.
type Options struct {
	TopK             int
	MaxContextTokens int

	// Reranker, when set, re-scores TopK*3 retrieved candidates and the best
	// TopK are kept.
	Reranker reranking.Reranker
}

// Engine is the retrieval-augmented query engine.
type Engine struct {
	retriever Retriever
	llm       engine.Engine
	model     string
	topK      int
	composer  *Composer
	reranker  reranking.Reranker
}

// New creates an Engine that retrieves from r and answers with model on llm.
// TopK below 1 uses 2.
func New(r Retriever, llm engine.Engine, model string, opts Options) *Engine {
	topK := opts.TopK
	if topK < 1 {
		topK = 2
	}
	return &Engine{
		retriever: r,
		llm:       llm,
		model:     model,
		topK:      topK,
		composer:  NewComposer(opts.MaxContextTokens),
		reranker:  opts.Reranker,
	}
}

// Query answers question from the indexed documents.
func (e *Engine) Query(ctx context.Context, question string) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}

	fetch := e.topK
	if e.reranker != nil {
		fetch *= candidateFactor
	}
	results, err := e.retriever.Query(ctx, question, fetch)
	if err != nil {
		return Response{}, fmt.Errorf("retrieving context: %w", err)
	}
	if e.reranker != nil {
		if results, err = e.reranker.Rerank(ctx, question, results); err != nil {
			return Response{}, fmt.Errorf("reranking context: %w", err)
		}
		if len(results) > e.topK {
			results = results[:e.topK]
		}
	}
	if len(results) == 0 {
		slog.Debug("no passages retrieved", "question", question)
		return Response{Question: question, Answer: NoContextAnswer}, nil
	}

	messages, used := e.composer.Compose(question, results)
	slog.Debug("composed prompt", "passages", len(used), "retrieved", len(results))
	if len(used) == 0 {
		slog.Debug("no passage fits the context budget", "question", question)
		return Response{Question: question, Answer: NoContextAnswer}, nil
	}

	answer, err := e.llm.Chat(ctx, e.model, messages, nil)
	if err != nil {
		return Response{}, fmt.Errorf("generating answer: %w", err)
	}

	resp := Response{Question: question, Answer: strings.TrimSpace(answer)}
	for _, r := range used {
		resp.Sources = append(resp.Sources, Source{
			ChunkID:      r.ChunkID,
			DocumentPath: r.DocumentPath,
			Heading:      r.Heading,
			Text:         r.Text,
			Score:        r.Score,
		})
	}
	return resp, nil
}
