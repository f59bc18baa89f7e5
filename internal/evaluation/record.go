// Package evaluation generates questions from indexed documents, answers
// them through the query engine and judges each answer with the chat model.
package evaluation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrMalformedEvaluation is returned when the judge's output cannot be
	// read as a verdict.
	ErrMalformedEvaluation = errors.New("malformed evaluation")

	// ErrInvalidRecord is returned for a record that breaks the output contract.
	ErrInvalidRecord = errors.New("invalid record")
)

// Record is one line of the results file.
type Record struct {
	Question  string  `json:"question"`
	Answer    string  `json:"answer"`
	Reasoning string  `json:"reasoning"`
	Score     float64 `json:"score"`
}

// Validate checks the record contract: a non-blank question and a finite
// score in [0, 1].
func (r Record) Validate() error {
	if strings.TrimSpace(r.Question) == "" {
		return fmt.Errorf("%w: empty question", ErrInvalidRecord)
	}
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
		return fmt.Errorf("%w: score is not finite", ErrInvalidRecord)
	}
	if r.Score < 0 || r.Score > 1 {
		return fmt.Errorf("%w: score %v outside [0, 1]", ErrInvalidRecord, r.Score)
	}
	return nil
}

// Result is the judge's verdict on one answered question.
type Result struct {
	Query    string   `json:"query"`
	Response string   `json:"response"`
	Contexts []string `json:"contexts"`
	Passing  bool     `json:"passing"`
	Feedback string   `json:"feedback"`
	Score    float64  `json:"score"`
}

const resultSchema = `{
  "type": "object",
  "properties": {
    "query":    {"type": "string", "pattern": "\\S"},
    "response": {"type": "string"},
    "contexts": {"type": ["array", "null"], "items": {"type": "string"}},
    "passing":  {"type": "boolean"},
    "feedback": {"type": "string"},
    "score":    {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["query", "response", "passing", "feedback", "score"]
}`

var resultSchemaLoader = gojsonschema.NewStringLoader(resultSchema)

// Validate checks r against the result contract.
func (r Result) Validate() error {
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) {
		return fmt.Errorf("%w: score is not finite", ErrInvalidRecord)
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := validateJSON(resultSchemaLoader, doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// RecordFromResult validates res and maps it onto a Record.
func RecordFromResult(res Result) (Record, error) {
	if err := res.Validate(); err != nil {
		return Record{}, err
	}
	rec := Record{
		Question:  res.Query,
		Answer:    res.Response,
		Reasoning: res.Feedback,
		Score:     res.Score,
	}
	return rec, rec.Validate()
}

// validateJSON checks doc against a schema and joins every violation into
// one error.
func validateJSON(schema gojsonschema.JSONLoader, doc []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("failed validation: %s", strings.Join(details, "; "))
}

// extractJSONObject pulls the JSON object out of a model reply. Small local
// models often wrap it in markdown fences or surround it with prose:
//  1. Strip markdown code fences if present (```json ... ```)
//  2. Take the text from the first { to the last }
func extractJSONObject(resp string) ([]byte, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	return []byte(s[start : end+1]), nil
}
