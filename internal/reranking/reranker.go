// Package reranking re-scores retrieved passages with the chat model before
// they are composed into a prompt.
package reranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/index"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 10 * time.Second
)

// Reranker reorders passages by relevance to a question.
type Reranker interface {
	Rerank(ctx context.Context, question string, results []index.Result) ([]index.Result, error)
}

// Options configures New.
type Options struct {
	Enabled bool
	Model   string

	// Timeout bounds the whole rerank. When it fires the retrieval order is
	// kept.
	Timeout time.Duration

	// Threshold drops passages scored below it.
	Threshold float64

	Concurrency int
}

// New returns an LLMReranker when opts.Enabled, NoOp otherwise.
func New(eng engine.Engine, opts Options) Reranker {
	if !opts.Enabled {
		return NoOp{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &LLMReranker{engine: eng, opts: opts}
}

// LLMReranker asks the chat model to rate each (question, passage) pair.
type LLMReranker struct {
	engine engine.Engine
	opts   Options
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance score between 0.0 and 1.0"},
	},
	Required: []string{"score"},
}

// Rerank scores every passage, drops those under the threshold and sorts the
// rest best first. A passage whose score cannot be obtained keeps its
// retrieval score.
func (r *LLMReranker) Rerank(ctx context.Context, question string, results []index.Result) ([]index.Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	tctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	scores := make([]float64, len(results))
	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(r.opts.Concurrency)
	for i, res := range results {
		g.Go(func() error {
			scores[i] = r.score(gctx, question, res)
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tctx.Err() != nil {
		slog.Warn("reranking timed out, keeping retrieval order", "timeout", r.opts.Timeout, "passages", len(results))
		return results, nil
	}

	kept := make([]index.Result, 0, len(results))
	for i, res := range results {
		if scores[i] < r.opts.Threshold {
			slog.Debug("reranker dropped passage", "chunk", res.ChunkID, "score", scores[i])
			continue
		}
		res.Score = float32(scores[i])
		kept = append(kept, res)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept, nil
}

func (r *LLMReranker) score(ctx context.Context, question string, res index.Result) float64 {
	prompt := "Rate the relevance of the following passage to the question on a scale of 0.0 to 1.0.\n" +
		"Question: " + question + "\n" +
		"Passage: " + res.Text + "\n" +
		`Respond with only a JSON object: {"score": <float>}`

	resp, err := r.engine.Chat(ctx, r.opts.Model, []engine.Message{
		{Role: "user", Content: prompt},
	}, scoreSchema)
	if err != nil {
		slog.Debug("reranker: scoring failed, keeping retrieval score", "chunk", res.ChunkID, "error", err)
		return float64(res.Score)
	}

	score, err := parseScore(resp)
	if err != nil {
		slog.Debug("reranker: unparseable score, keeping retrieval score", "chunk", res.ChunkID, "resp", resp, "error", err)
		return float64(res.Score)
	}
	return score
}

// parseScore pulls {"score": x} out of a reply that small models often wrap
// in code fences or chatter. Scores are clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)
	if idx := strings.Index(s, "```"); idx != -1 {
		s = strings.TrimPrefix(s[idx+3:], "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return 0, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return 0, fmt.Errorf("unmarshal score: %w", err)
	}
	if obj.Score == nil {
		return 0, fmt.Errorf("score missing")
	}
	return min(max(*obj.Score, 0), 1), nil
}

// NoOp returns passages unchanged.
type NoOp struct{}

func (NoOp) Rerank(_ context.Context, _ string, results []index.Result) ([]index.Result, error) {
	return results, nil
}
