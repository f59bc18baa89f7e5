package evaluation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/ragstarter/internal/query"
)

// Answerer answers a question. *query.Engine satisfies it.
type Answerer interface {
	Query(ctx context.Context, question string) (query.Response, error)
}

// Runner answers and judges questions in order.
type Runner struct {
	Engine    Answerer
	Evaluator Evaluator
	Logger    *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run processes questions in order and stops after limit records. A limit
// of zero or less processes nothing. The first failure aborts the run.
func (r *Runner) Run(ctx context.Context, questions []string, limit int) ([]Record, error) {
	log := r.logger()
	var records []Record
	for i, q := range questions {
		if i >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return records, err
		}
		log.Info(fmt.Sprintf("Processing %d/%d", i+1, len(questions)))
		log.Info("query", "question", q)

		resp, err := r.Engine.Query(ctx, q)
		if err != nil {
			return records, fmt.Errorf("question %d: %w", i+1, err)
		}
		log.Info("response", "answer", resp.Answer, "sources", len(resp.Sources))

		res, err := r.Evaluator.Evaluate(ctx, q, resp)
		if err != nil {
			return records, fmt.Errorf("evaluating question %d: %w", i+1, err)
		}
		log.Info("evaluation", "passing", res.Passing, "score", res.Score, "feedback", res.Feedback)

		rec, err := RecordFromResult(res)
		if err != nil {
			return records, fmt.Errorf("question %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
