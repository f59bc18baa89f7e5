package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/query"
)

// Evaluator judges an answered question.
type Evaluator interface {
	Evaluate(ctx context.Context, question string, resp query.Response) (Result, error)
}

const relevancyPrompt = `You evaluate a retrieval-augmented answer. Decide whether the response to the query is in line with the context information provided, meaning the response answers the query and is supported by the context.

Respond with only a JSON object: {"passing": <true|false>, "reasoning": "<one or two sentences>"}`

const verdictSchema = `{
  "type": "object",
  "properties": {
    "passing":   {"type": "boolean"},
    "reasoning": {"type": "string"}
  },
  "required": ["passing", "reasoning"]
}`

var verdictSchemaLoader = gojsonschema.NewStringLoader(verdictSchema)

// RelevancyEvaluator asks the chat model whether a response and its source
// passages are in line with the query. A passing verdict scores 1, a
// failing one 0.
type RelevancyEvaluator struct {
	llm   engine.Engine
	model string
}

// NewRelevancyEvaluator creates an evaluator that judges with model on llm.
func NewRelevancyEvaluator(llm engine.Engine, model string) *RelevancyEvaluator {
	return &RelevancyEvaluator{llm: llm, model: model}
}

func (e *RelevancyEvaluator) Evaluate(ctx context.Context, question string, resp query.Response) (Result, error) {
	contexts := resp.Contexts()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nResponse: %s\n\nContext:\n", question, resp.Answer)
	if len(contexts) == 0 {
		sb.WriteString("(no context was retrieved)\n")
	}
	for i, c := range contexts {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
	}

	raw, err := e.llm.Chat(ctx, e.model, []engine.Message{
		{Role: "system", Content: relevancyPrompt},
		{Role: "user", Content: sb.String()},
	}, verdictEngineSchema())
	if err != nil {
		return Result{}, fmt.Errorf("evaluating relevancy: %w", err)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		slog.Debug("unreadable verdict", "response", raw, "error", err)
		return Result{}, err
	}

	res := Result{
		Query:    question,
		Response: resp.Answer,
		Contexts: contexts,
		Passing:  verdict.Passing,
		Feedback: verdict.Reasoning,
	}
	if verdict.Passing {
		res.Score = 1
	}
	return res, nil
}

type verdict struct {
	Passing   bool   `json:"passing"`
	Reasoning string `json:"reasoning"`
}

func parseVerdict(raw string) (verdict, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return verdict{}, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}
	if err := validateJSON(verdictSchemaLoader, obj); err != nil {
		return verdict{}, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}
	var v verdict
	if err := json.Unmarshal(obj, &v); err != nil {
		return verdict{}, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}
	v.Reasoning = strings.TrimSpace(v.Reasoning)
	return v, nil
}

func verdictEngineSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"passing":   {Type: "boolean", Description: "Whether the response is in line with the query and context"},
			"reasoning": {Type: "string", Description: "Short justification for the verdict"},
		},
		Required: []string{"passing", "reasoning"},
	}
}
