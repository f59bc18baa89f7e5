package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/index"
)

const defaultMaxContextTokens = 3000

const systemPrompt = `You answer questions about a private collection of documents. Use only the context passages provided below, not prior knowledge. If the context does not contain the answer, say that you do not know. Answer in plain prose and keep it short.`

// Composer turns a question and retrieved passages into chat messages.
type Composer struct {
	MaxContextTokens int
}

// NewComposer creates a Composer with the given token budget for injected
// context. If maxContextTokens <= 0, the default (3000) is used.
func NewComposer(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose builds the system and user messages. Passages are taken best
// first; a passage that would overflow the budget is skipped. It returns the
// messages and the passages that made it into the prompt, best first.
func (c *Composer) Compose(question string, results []index.Result) ([]engine.Message, []index.Result) {
	sorted := make([]index.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	const header = "Context information is below.\n---------------------\n"
	const footer = "---------------------\n"
	remaining := c.MaxContextTokens - EstimateTokens(header) - EstimateTokens(footer) - EstimateTokens(question)

	var sb strings.Builder
	var used []index.Result
	for _, r := range sorted {
		entry := formatPassage(len(used)+1, r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		used = append(used, r)
		remaining -= tokens
	}

	var user strings.Builder
	if len(used) > 0 {
		user.WriteString(header)
		user.WriteString(sb.String())
		user.WriteString(footer)
	}
	fmt.Fprintf(&user, "Query: %s\nAnswer:", question)

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user.String()},
	}, used
}

func formatPassage(n int, r index.Result) string {
	src := r.DocumentPath
	if r.Heading != "" {
		src += " > " + r.Heading
	}
	return fmt.Sprintf("[%d] (source: %s)\n%s\n\n", n, src, r.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
