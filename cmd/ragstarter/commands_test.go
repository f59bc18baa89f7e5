package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/ragstarter/internal/config"
	"github.com/kalambet/ragstarter/internal/engine"
	"github.com/kalambet/ragstarter/internal/query"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client(token string) *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      token,
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

// fakeEngine embeds with a bag-of-words hash and answers by the role its
// system prompt gives it.
type fakeEngine struct {
	embeds     atomic.Int32
	failEmbeds atomic.Bool
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Chat(_ context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	system := msgs[0].Content
	switch {
	case strings.Contains(system, "quiz"):
		return `{"questions": ["What did the author write?", "What computer did he use?", "Where did he study painting?"]}`, nil
	case strings.Contains(system, "evaluate"):
		return `{"passing": true, "reasoning": "Supported by the context."}`, nil
	default:
		return "He wrote short stories.", nil
	}
}

func (f *fakeEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	if f.failEmbeds.Load() {
		return nil, errors.New("connection refused")
	}
	f.embeds.Add(1)
	v := make([]float32, 16)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%16]++
	}
	v[15] += 0.01
	return v, nil
}

func (f *fakeEngine) IsRunning(context.Context) bool               { return true }
func (f *fakeEngine) ListModels(context.Context) ([]string, error) { return nil, nil }
func (f *fakeEngine) HasModel(context.Context, string) bool        { return true }
func (f *fakeEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

type env struct {
	docs    string
	storage string
	output  string
	engine  *fakeEngine
}

// setupEnv points configuration at temporary folders and swaps in a fake
// backend.
func setupEnv(t *testing.T) env {
	t.Helper()
	base := t.TempDir()
	e := env{
		docs:    filepath.Join(base, "data"),
		storage: filepath.Join(base, "storage"),
		output:  filepath.Join(base, "results.jsonl"),
		engine:  &fakeEngine{},
	}
	if err := os.MkdirAll(e.docs, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"essay.txt": "Before college I worked on writing and programming. I wrote short stories. " +
			"I tried programming on the IBM 1401.",
		"notes.md": "# Painting\n\nLater I studied painting in Florence.",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(e.docs, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Setenv(config.ConfigPathEnv, filepath.Join(base, "config.json"))
	t.Setenv("RAGSTARTER_DOCS_DIR", e.docs)
	t.Setenv("RAGSTARTER_STORAGE_INDEX_DIR", e.storage)
	t.Setenv("RAGSTARTER_EVAL_OUTPUT", e.output)
	t.Setenv("RAGSTARTER_CHUNK_SIZE", "12")
	t.Setenv("RAGSTARTER_CHUNK_OVERLAP", "2")
	t.Setenv("RAGSTARTER_EVAL_QUESTIONS", "3")
	t.Setenv("RAGSTARTER_LOG_LEVEL", "error")

	orig := detectEngine
	detectEngine = func(config.Config) (engine.Engine, error) { return e.engine, nil }
	t.Cleanup(func() { detectEngine = orig })
	return e
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--no-color"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func lines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /stats": `{"chunks":3}`})

	resp, err := ts.client("secret").get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st map[string]int
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st["chunks"] != 3 {
		t.Errorf("chunks = %d, want 3", st["chunks"])
	}
	if ts.requests[0].Auth != "Bearer secret" {
		t.Errorf("auth = %q, want Bearer secret", ts.requests[0].Auth)
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})

	if !ts.client("").healthy(ctx) {
		t.Fatal("expected healthy")
	}
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want none", ts.requests[0].Auth)
	}
}

func TestAPIClient_PostBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{"POST /query": `{"answer":"yes","sources":[]}`})

	resp, err := ts.client("").post(ctx, "/query", map[string]string{"question": "is it?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got askResponse
	if err := decodeJSON(resp, &got); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got.Answer != "yes" {
		t.Errorf("answer = %q", got.Answer)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["question"] != "is it?" {
		t.Errorf("body.question = %q", body["question"])
	}
}

func TestAPIClient_Unreachable(t *testing.T) {
	c := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	if c.healthy(ctx) {
		t.Fatal("expected unhealthy")
	}
	if _, err := c.get(ctx, "/stats"); err == nil || !strings.Contains(err.Error(), "ragstarter serve") {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.client("").get(ctx, "/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want to contain 404", err.Error())
	}
}

func TestGlobalFlagsApply(t *testing.T) {
	cfg := config.Config{}
	cfg.LLM.Model = "mistral:7b"
	cfg.Docs.Dir = "data"

	globalFlags{model: "llama2", storage: "/tmp/idx"}.apply(&cfg)
	if cfg.LLM.Model != "llama2" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Docs.Dir != "data" {
		t.Errorf("docs = %q, want unchanged", cfg.Docs.Dir)
	}
	if cfg.Storage.IndexDir != "/tmp/idx" {
		t.Errorf("storage = %q", cfg.Storage.IndexDir)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		"WARN":    "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"info":    "INFO",
	}
	for in, want := range tests {
		if got := parseLevel(in).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.n); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ragstarter version dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestInvalidOverrideRejected(t *testing.T) {
	setupEnv(t)
	if _, err := execute(t, "ask", "--log-level", "loud", "hello"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAskCommand(t *testing.T) {
	e := setupEnv(t)

	out, err := execute(t, "ask", "What", "did", "the", "author", "write?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "He wrote short stories.\n" {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(e.storage); err != nil {
		t.Errorf("index not persisted: %v", err)
	}
	if _, err := os.Stat(e.output); !os.IsNotExist(err) {
		t.Errorf("ask must not write evaluation results")
	}
}

func TestAskCommand_BlankQuestion(t *testing.T) {
	e := setupEnv(t)

	_, err := execute(t, "ask", "  ")
	if !errors.Is(err, query.ErrEmptyQuestion) {
		t.Fatalf("err = %v, want ErrEmptyQuestion", err)
	}
	if _, err := os.Stat(e.storage); !os.IsNotExist(err) {
		t.Error("blank question must not build the index")
	}
	if e.engine.embeds.Load() != 0 {
		t.Error("blank question must not embed anything")
	}
}

func TestIndexCommand_FailedRebuildKeepsIndex(t *testing.T) {
	e := setupEnv(t)

	if _, err := execute(t, "index"); err != nil {
		t.Fatalf("first index: %v", err)
	}
	built := e.engine.embeds.Load()

	e.engine.failEmbeds.Store(true)
	if _, err := execute(t, "index", "--rebuild"); err == nil {
		t.Fatal("expected rebuild to fail while embedding fails")
	}
	e.engine.failEmbeds.Store(false)

	if _, err := os.Stat(filepath.Join(e.storage, "index.db")); err != nil {
		t.Fatalf("existing index lost: %v", err)
	}
	if _, err := execute(t, "index"); err != nil {
		t.Fatalf("index after failed rebuild: %v", err)
	}
	if got := e.engine.embeds.Load(); got != built {
		t.Errorf("index was rebuilt instead of loaded: %d embeds, want %d", got, built)
	}
}

func TestIndexCommand_ReusesAndRebuilds(t *testing.T) {
	e := setupEnv(t)

	if _, err := execute(t, "index"); err != nil {
		t.Fatalf("first index: %v", err)
	}
	built := e.engine.embeds.Load()
	if built == 0 {
		t.Fatal("expected chunks to be embedded")
	}

	if _, err := execute(t, "index"); err != nil {
		t.Fatalf("second index: %v", err)
	}
	if got := e.engine.embeds.Load(); got != built {
		t.Errorf("existing index re-embedded: %d calls, want %d", got, built)
	}

	if _, err := execute(t, "index", "--rebuild"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := e.engine.embeds.Load(); got != 2*built {
		t.Errorf("rebuild embedded %d chunks, want %d", got-built, built)
	}
}

func TestEvalCommand_Limit(t *testing.T) {
	e := setupEnv(t)

	out, err := execute(t, "eval", "--limit", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := lines(t, e.output); got != 2 {
		t.Errorf("result lines = %d, want 2", got)
	}

	var questions []string
	first := strings.SplitN(out, "\n", 2)[0]
	if err := json.Unmarshal([]byte(first), &questions); err != nil {
		t.Fatalf("question list %q: %v", first, err)
	}
	if len(questions) != 3 {
		t.Errorf("questions = %v", questions)
	}
	if strings.Contains(out, "He wrote short stories.\n") {
		t.Errorf("eval must not answer query.question, got %q", out)
	}
}

func TestRootRunsPipeline(t *testing.T) {
	e := setupEnv(t)

	out, err := execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := strings.Split(strings.TrimSpace(out), "\n")
	if len(got) != 2 {
		t.Fatalf("output lines = %q, want question list then answer", got)
	}
	if got[1] != "He wrote short stories." {
		t.Errorf("answer = %q", got[1])
	}
	if n := lines(t, e.output); n != 1 {
		t.Errorf("result lines = %d, want default limit 1", n)
	}
}

func TestRunCommand_NoEval(t *testing.T) {
	e := setupEnv(t)

	out, err := execute(t, "run", "--eval=false", "--question", "What computer?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "He wrote short stories.\n" {
		t.Errorf("output = %q", out)
	}
	if _, err := os.Stat(e.output); !os.IsNotExist(err) {
		t.Error("evaluation disabled but results were written")
	}
}

func TestServeHTTP_ShutsDownOnCancel(t *testing.T) {
	c, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(c, "127.0.0.1:0", http.NotFoundHandler(), true)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
