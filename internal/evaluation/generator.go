package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kalambet/ragstarter/internal/chunking"
	"github.com/kalambet/ragstarter/internal/engine"
)

// ErrNoQuestions is returned when no chunk produced a usable question.
var ErrNoQuestions = errors.New("no questions generated")

const defaultQuestionsPerChunk = 3

const generatorPrompt = `You are setting up a quiz for a reader of the document. Write %d questions that can be answered from the context passage alone. Make them diverse and restrict them to the information in the passage. Do not number them.

Respond with only a JSON object: {"questions": ["...", "..."]}`

const questionsSchema = `{
  "type": "object",
  "properties": {
    "questions": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["questions"]
}`

var questionsSchemaLoader = gojsonschema.NewStringLoader(questionsSchema)

// Generator asks the chat model for evaluation questions, chunk by chunk.
type Generator struct {
	llm      engine.Engine
	model    string
	perChunk int
}

// NewGenerator creates a Generator asking for perChunk questions per chunk.
// Values below 1 use 3.
func NewGenerator(llm engine.Engine, model string, perChunk int) *Generator {
	if perChunk < 1 {
		perChunk = defaultQuestionsPerChunk
	}
	return &Generator{llm: llm, model: model, perChunk: perChunk}
}

// Generate walks chunks in order and collects questions until it has n of
// them. Duplicates are dropped and the result is truncated to n. A chunk
// whose reply cannot be read is skipped; a failed model call aborts.
func (g *Generator) Generate(ctx context.Context, chunks []chunking.Chunk, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []string
	for i, c := range chunks {
		if len(out) >= n {
			break
		}
		raw, err := g.llm.Chat(ctx, g.model, []engine.Message{
			{Role: "system", Content: fmt.Sprintf(generatorPrompt, g.perChunk)},
			{Role: "user", Content: "Context:\n" + c.EmbedText()},
		}, questionsEngineSchema())
		if err != nil {
			return nil, fmt.Errorf("generating questions from chunk %d: %w", i, err)
		}

		qs, err := parseQuestions(raw)
		if err != nil {
			slog.Warn("skipping chunk with unreadable questions", "chunk", i, "error", err)
			continue
		}
		for _, q := range qs {
			key := strings.ToLower(q)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, q)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoQuestions
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func parseQuestions(raw string) ([]string, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if err := validateJSON(questionsSchemaLoader, obj); err != nil {
		return nil, err
	}
	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal questions: %w", err)
	}

	var qs []string
	for _, q := range parsed.Questions {
		q = strings.TrimSpace(q)
		if q != "" {
			qs = append(qs, q)
		}
	}
	return qs, nil
}

func questionsEngineSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"questions": {
				Type:        "array",
				Description: "Questions answerable from the passage",
				Items:       &engine.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"questions"},
	}
}
