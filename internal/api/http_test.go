package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/ragstarter/internal/evaluation"
)

func serve(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Token = "secret"
	rr := serve(NewHTTPHandler(deps), http.MethodGet, "/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestAuth(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Token = "secret"
	h := NewHTTPHandler(deps)

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic secret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"lowercase scheme", []string{"Authorization", "bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, http.MethodGet, "/stats", "", tt.header...)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized {
				if got := errorType(t, rr); got != "authentication_error" {
					t.Errorf("error type = %q", got)
				}
				if rr.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate header")
				}
			}
		})
	}
}

func TestAuth_NoTokenAdmitsAll(t *testing.T) {
	deps, _, _ := testDeps()
	rr := serve(NewHTTPHandler(deps), http.MethodGet, "/documents", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestStats(t *testing.T) {
	deps, _, _ := testDeps()
	rr := serve(NewHTTPHandler(deps), http.MethodGet, "/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var got statsView
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Chunks != 3 || got.Documents != 1 {
		t.Errorf("counts = %d/%d, want 1/3", got.Documents, got.Chunks)
	}
	if got.EmbedModel != "nomic-embed-text" || got.Dimension != 768 {
		t.Errorf("model = %q dim %d", got.EmbedModel, got.Dimension)
	}
	if got.CreatedAt != "2024-03-01T12:00:00Z" {
		t.Errorf("created_at = %q", got.CreatedAt)
	}
}

func TestStats_Error(t *testing.T) {
	deps, s, _ := testDeps()
	s.err = errors.New("database is locked")
	rr := serve(NewHTTPHandler(deps), http.MethodGet, "/stats", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := errorType(t, rr); got != "index_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestDocuments_EmptyIsArray(t *testing.T) {
	deps, s, _ := testDeps()
	s.docs = nil
	rr := serve(NewHTTPHandler(deps), http.MethodGet, "/documents", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestQuery(t *testing.T) {
	deps, _, a := testDeps()
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/query", `{"question":"What did the author write?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var got struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Sources  []struct {
			DocumentPath string `json:"document_path"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Answer != "He wrote short stories." {
		t.Errorf("answer = %q", got.Answer)
	}
	if len(got.Sources) != 1 || got.Sources[0].DocumentPath != "essay.txt" {
		t.Errorf("sources = %+v", got.Sources)
	}
	if len(a.asked) != 1 || a.asked[0] != "What did the author write?" {
		t.Errorf("asked = %v", a.asked)
	}
}

func TestQuery_BadRequests(t *testing.T) {
	deps, _, a := testDeps()
	h := NewHTTPHandler(deps)

	for _, body := range []string{"{invalid", `{"question":"   "}`, `{}`} {
		rr := serve(h, http.MethodPost, "/query", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
	if len(a.asked) != 0 {
		t.Errorf("engine called for invalid requests: %v", a.asked)
	}
}

func TestQuery_EngineFailure(t *testing.T) {
	deps, _, a := testDeps()
	a.err = errors.New("connection refused")
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/query", `{"question":"q"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestSearch_ClampsLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, defaultSearchLimit},
		{-3, defaultSearchLimit},
		{2, 2},
		{500, maxSearchLimit},
	}
	for _, tt := range tests {
		deps, s, _ := testDeps()
		body := fmt.Sprintf(`{"query":"short stories","limit":%d}`, tt.limit)
		rr := serve(NewHTTPHandler(deps), http.MethodPost, "/search", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("limit %d: status = %d", tt.limit, rr.Code)
		}
		if s.lastTopK != tt.want {
			t.Errorf("limit %d: topK = %d, want %d", tt.limit, s.lastTopK, tt.want)
		}
		if s.lastQuery != "short stories" {
			t.Errorf("query = %q", s.lastQuery)
		}
	}
}

func TestSearch_ReturnsResults(t *testing.T) {
	deps, _, _ := testDeps()
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/search", `{"query":"painting"}`)

	var got []map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[1]["heading"] != "Painting" {
		t.Errorf("heading = %v", got[1]["heading"])
	}
}

func TestEvaluate(t *testing.T) {
	deps, _, _ := testDeps()
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/evaluate", `{"question":"What did the author write?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var got evaluateView
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Passing || got.Record.Score != 1 {
		t.Errorf("passing = %v score = %v", got.Passing, got.Record.Score)
	}
	if got.Record.Question != "What did the author write?" {
		t.Errorf("question = %q", got.Record.Question)
	}
	if len(got.Contexts) != 1 {
		t.Errorf("contexts = %v", got.Contexts)
	}
}

func TestEvaluate_MalformedVerdict(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Evaluator = &mockEvaluator{err: fmt.Errorf("%w: no JSON object", evaluation.ErrMalformedEvaluation)}
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/evaluate", `{"question":"q"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
	if got := errorType(t, rr); got != "evaluation_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestEvaluate_DisabledWithoutEvaluator(t *testing.T) {
	deps, _, _ := testDeps()
	deps.Evaluator = nil
	rr := serve(NewHTTPHandler(deps), http.MethodPost, "/evaluate", `{"question":"q"}`)
	if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want route to be absent", rr.Code)
	}
}
