// Package pipeline runs one end-to-end pass: resolve the index, optionally
// generate and evaluate questions, then answer the configured question.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kalambet/ragstarter/internal/chunking"
	"github.com/kalambet/ragstarter/internal/config"
	"github.com/kalambet/ragstarter/internal/document"
	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/evaluation"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/query"
	"github.com/kalambet/ragstarter/internal/reranking"
)

// Options holds every knob of a run. It is built once at startup.
type Options struct {
	DocsDir          string
	IndexDir         string
	ChatModel        string
	EmbedModel       string
	Chunk            chunking.Options
	EmbedConcurrency int
	TopK             int
	MaxContextTokens int
	Rerank           bool
	RerankThreshold  float64
	RerankTimeout    time.Duration

	// Evaluate turns on question generation and the evaluation loop. It also
	// makes the run load documents even when the index already exists.
	Evaluate          bool
	NumQuestions      int
	QuestionsPerChunk int
	Limit             int
	OutputPath        string

	// Question is answered at the end of the run. Empty skips it.
	Question string
}

// OptionsFromConfig maps resolved configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DocsDir:           cfg.Docs.Dir,
		IndexDir:          cfg.Storage.IndexDir,
		ChatModel:         cfg.LLM.Model,
		EmbedModel:        cfg.LLM.EmbedModel,
		Chunk:             chunking.Options{Size: cfg.Chunk.Size, Overlap: cfg.Chunk.Overlap},
		EmbedConcurrency:  cfg.Embed.Concurrency,
		TopK:              cfg.Retrieval.TopK,
		MaxContextTokens:  cfg.Retrieval.MaxContextTokens,
		Rerank:            cfg.Retrieval.Rerank,
		RerankThreshold:   cfg.Retrieval.RerankThreshold,
		RerankTimeout:     cfg.Retrieval.RerankTimeout,
		Evaluate:          cfg.Eval.Enabled,
		NumQuestions:      cfg.Eval.Questions,
		QuestionsPerChunk: cfg.Eval.QuestionsPerChunk,
		Limit:             cfg.Eval.Limit,
		OutputPath:        cfg.Eval.Output,
		Question:          cfg.Query.Question,
	}
}

// QueryOptions returns the query engine settings, with a reranker on eng
// when reranking is enabled.
func (o Options) QueryOptions(eng engine.Engine) query.Options {
	qo := query.Options{TopK: o.TopK, MaxContextTokens: o.MaxContextTokens}
	if o.Rerank {
		qo.Reranker = reranking.New(eng, reranking.Options{
			Enabled:   true,
			Model:     o.ChatModel,
			Threshold: o.RerankThreshold,
			Timeout:   o.RerankTimeout,
		})
	}
	return qo
}

// Deps are the collaborators of a run.
type Deps struct {
	Engine engine.Engine

	// Source supplies documents. Nil reads Options.DocsDir.
	Source document.Source

	Logger   *slog.Logger
	Progress func(index.Progress)
}

// Report summarizes a finished run.
type Report struct {
	Outcome   index.Outcome
	Questions []string
	Records   []evaluation.Record
	Answer    *query.Response
}

// Run executes the pipeline and writes the question list and the final
// answer to out. Any failure stops the run and is returned.
func Run(ctx context.Context, opts Options, deps Deps, out io.Writer) (Report, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	source := deps.Source
	if source == nil {
		l := document.NewLoader(opts.DocsDir)
		l.Logger = log
		source = l
	}

	// Question generation needs the documents on both gate branches.
	var docs []document.Document
	gateSource := source
	if opts.Evaluate {
		var err error
		docs, err = source.Load(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("loading documents: %w", err)
		}
		gateSource = document.Static(docs)
	}

	embedder := index.NewEmbedder(deps.Engine, opts.EmbedModel, opts.EmbedConcurrency)
	res, err := index.Resolve(ctx, index.GateOptions{
		Path:   opts.IndexDir,
		Source: gateSource,
		Build: index.BuildOptions{
			Chunk:    opts.Chunk,
			Embedder: embedder,
			Progress: deps.Progress,
			Logger:   log,
		},
	})
	if err != nil {
		return Report{}, err
	}
	defer res.Index.Close()

	report := Report{Outcome: res.Outcome}
	log.Info("index ready", "outcome", res.Outcome.String(), "path", opts.IndexDir)
	if res.Outcome == index.Loaded && docs != nil && res.Index.Stale(docs) {
		log.Warn("index is older than the documents; rebuild it to pick up changes", "path", opts.IndexDir)
	}

	qe := query.New(res.Index, deps.Engine, opts.ChatModel, opts.QueryOptions(deps.Engine))

	if opts.Evaluate {
		chunks, err := chunkAll(docs, opts.Chunk)
		if err != nil {
			return report, err
		}
		gen := evaluation.NewGenerator(deps.Engine, opts.ChatModel, opts.QuestionsPerChunk)
		questions, err := gen.Generate(ctx, chunks, opts.NumQuestions)
		if err != nil {
			return report, fmt.Errorf("generating questions: %w", err)
		}
		report.Questions = questions

		list, err := json.Marshal(questions)
		if err != nil {
			return report, fmt.Errorf("encoding questions: %w", err)
		}
		fmt.Fprintln(out, string(list))

		runner := &evaluation.Runner{
			Engine:    qe,
			Evaluator: evaluation.NewRelevancyEvaluator(deps.Engine, opts.ChatModel),
			Logger:    log,
		}
		records, err := runner.Run(ctx, questions, opts.Limit)
		if err != nil {
			return report, err
		}
		report.Records = records

		if opts.OutputPath != "" {
			if err := evaluation.WriteJSONL(opts.OutputPath, records); err != nil {
				return report, err
			}
			log.Info("wrote evaluation results", "path", opts.OutputPath, "records", len(records))
		}
	}

	if opts.Question != "" {
		resp, err := qe.Query(ctx, opts.Question)
		if err != nil {
			return report, fmt.Errorf("answering %q: %w", opts.Question, err)
		}
		report.Answer = &resp
		fmt.Fprintln(out, resp.Answer)
	}
	return report, nil
}

func chunkAll(docs []document.Document, opts chunking.Options) ([]chunking.Chunk, error) {
	var all []chunking.Chunk
	for _, d := range docs {
		chunks, err := chunking.ForDocument(d, opts).Chunk(d.Text)
		if err != nil {
			return nil, fmt.Errorf("chunking %s: %w", d.Path, err)
		}
		all = append(all, chunks...)
	}
	return all, nil
}
