package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory Store for tests.
type memBackend struct {
	data map[string]any
}

func newMemBackend(data map[string]any) *memBackend {
	if data == nil {
		data = make(map[string]any)
	}
	return &memBackend{data: data}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", true, nil
	}
	return s, true, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	i, _ := v.(int)
	return i, true, nil
}

func (m *memBackend) SetString(key, val string) error { m.data[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error  { m.data[key] = val; return nil }
func (m *memBackend) Delete(key string) error           { delete(m.data, key); return nil }

// clearEnv blanks every RAGSTARTER_* variable the key table reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LLM.Backend != "ollama" {
		t.Errorf("LLM.Backend = %q, want ollama", cfg.LLM.Backend)
	}
	if cfg.LLM.Model != "mistral:7b" {
		t.Errorf("LLM.Model = %q, want mistral:7b", cfg.LLM.Model)
	}
	if cfg.LLM.EmbedModel != "nomic-embed-text" {
		t.Errorf("LLM.EmbedModel = %q", cfg.LLM.EmbedModel)
	}
	if cfg.Docs.Dir != "data" {
		t.Errorf("Docs.Dir = %q, want data", cfg.Docs.Dir)
	}
	if cfg.Storage.IndexDir != "./storage" {
		t.Errorf("Storage.IndexDir = %q, want ./storage", cfg.Storage.IndexDir)
	}
	if cfg.Eval.Limit != 1 || cfg.Eval.Questions != 1 {
		t.Errorf("Eval limit/questions = %d/%d, want 1/1", cfg.Eval.Limit, cfg.Eval.Questions)
	}
	if cfg.Eval.Output != "evaluation_results.jsonl" {
		t.Errorf("Eval.Output = %q", cfg.Eval.Output)
	}
	if !cfg.Eval.Enabled {
		t.Error("Eval.Enabled = false, want true")
	}
	if cfg.Query.Question != "What did the author do growing up?" {
		t.Errorf("Query.Question = %q", cfg.Query.Question)
	}
	if cfg.LLM.StartupWait != 0 {
		t.Errorf("LLM.StartupWait = %v, want 0", cfg.LLM.StartupWait)
	}
	if cfg.Retrieval.Rerank || cfg.Retrieval.RerankTimeout != 10*time.Second {
		t.Errorf("Retrieval rerank = %v/%v, want off/10s", cfg.Retrieval.Rerank, cfg.Retrieval.RerankTimeout)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend(map[string]any{
		"llm.model":         "llama2",
		"chunk.size":        256,
		"llm.startup_wait":  "30s",
		"llm.temperature":   "0.7",
		"eval.enabled":      "false",
		"storage.index_dir": "/tmp/idx",
	})

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LLM.Model != "llama2" {
		t.Errorf("LLM.Model = %q, want llama2", cfg.LLM.Model)
	}
	if cfg.Chunk.Size != 256 {
		t.Errorf("Chunk.Size = %d, want 256", cfg.Chunk.Size)
	}
	if cfg.LLM.StartupWait != 30*time.Second {
		t.Errorf("LLM.StartupWait = %v, want 30s", cfg.LLM.StartupWait)
	}
	if cfg.LLM.Temperature != 0.7 {
		t.Errorf("LLM.Temperature = %v, want 0.7", cfg.LLM.Temperature)
	}
	if cfg.Eval.Enabled {
		t.Error("Eval.Enabled = true, want false")
	}
	if cfg.Storage.IndexDir != "/tmp/idx" {
		t.Errorf("Storage.IndexDir = %q", cfg.Storage.IndexDir)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("RAGSTARTER_LLM_MODEL", "env-model")
	t.Setenv("RAGSTARTER_EVAL_LIMIT", "3")
	t.Setenv("RAGSTARTER_LLM_API_KEY", "secret")

	b := newMemBackend(map[string]any{"llm.model": "file-model"})
	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LLM.Model != "env-model" {
		t.Errorf("LLM.Model = %q, want env-model", cfg.LLM.Model)
	}
	if cfg.Eval.Limit != 3 {
		t.Errorf("Eval.Limit = %d, want 3", cfg.Eval.Limit)
	}
	if cfg.LLM.APIKey != "secret" {
		t.Errorf("LLM.APIKey = %q, want secret", cfg.LLM.APIKey)
	}
}

func TestEnvParseFailureKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("RAGSTARTER_CHUNK_SIZE", "lots")

	cfg, err := loadWith(newMemBackend(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chunk.Size != 512 {
		t.Errorf("Chunk.Size = %d, want default 512", cfg.Chunk.Size)
	}
}

func TestSecretNotReadFromBackend(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(map[string]any{"llm.api_key": "leaked"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, want empty", cfg.LLM.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.LLM.Backend = "mlx" }, "llm.backend"},
		{"overlap too large", func(c *Config) { c.Chunk.Overlap = c.Chunk.Size }, "chunk.overlap"},
		{"negative limit", func(c *Config) { c.Eval.Limit = -1 }, "eval.limit"},
		{"zero top k", func(c *Config) { c.Retrieval.TopK = 0 }, "retrieval.top_k"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"empty output", func(c *Config) { c.Eval.Output = "" }, "eval.output"},
		{"rerank threshold above one", func(c *Config) { c.Retrieval.RerankThreshold = 1.5 }, "retrieval.rerank_threshold"},
		{"negative rerank timeout", func(c *Config) { c.Retrieval.RerankTimeout = -time.Second }, "retrieval.rerank_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.want)
			}
		})
	}

	if err := defaults().Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragstarter", "config.json")
	b := newFileBackend(path)

	if err := setKeyWith(b, "chunk.size", "128"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}
	if err := setKeyWith(b, "llm.model", "llama2"); err != nil {
		t.Fatalf("setKeyWith: %v", err)
	}

	reloaded := newFileBackend(path)
	size, ok, err := reloaded.GetInt("chunk.size")
	if err != nil || !ok || size != 128 {
		t.Errorf("GetInt(chunk.size) = %d, %v, %v; want 128, true, nil", size, ok, err)
	}
	model, ok, _ := reloaded.GetString("llm.model")
	if !ok || model != "llama2" {
		t.Errorf("GetString(llm.model) = %q, %v", model, ok)
	}
}

func TestFileBackendCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b := newFileBackend(path)
	if _, ok, _ := b.GetString("llm.model"); ok {
		t.Error("corrupt file should behave as empty")
	}
}

func TestSetKeyRejections(t *testing.T) {
	b := newMemBackend(nil)

	if err := setKeyWith(b, "llm.api_key", "x"); err == nil || !contains(err.Error(), "RAGSTARTER_LLM_API_KEY") {
		t.Errorf("secret key: err = %v", err)
	}
	if err := setKeyWith(b, "chunk.size", "big"); err == nil {
		t.Error("expected error for non-integer chunk.size")
	}
	if err := setKeyWith(b, "llm.startup_wait", "soon"); err == nil {
		t.Error("expected error for bad duration")
	}
	if err := setKeyWith(b, "no.such.key", "1"); err == nil || !contains(err.Error(), "unknown config key") {
		t.Errorf("unknown key: err = %v", err)
	}
	if len(b.data) != 0 {
		t.Errorf("rejected writes leaked into backend: %v", b.data)
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "hidden"
	cfg.Server.Token = "hidden"
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "llm.api_key" || ki.Key == "server.token" || ki.Value == "hidden" {
			t.Errorf("ShowAll exposed secret: %+v", ki)
		}
	}
	for _, k := range ValidKeys() {
		if k == "llm.api_key" || k == "server.token" {
			t.Error("ValidKeys includes secret key")
		}
	}
}

func TestConfigPathEnv(t *testing.T) {
	t.Setenv(ConfigPathEnv, "/etc/ragstarter.json")
	if got := FilePath(); got != "/etc/ragstarter.json" {
		t.Errorf("FilePath() = %q", got)
	}
	t.Setenv(ConfigPathEnv, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := FilePath(); got != filepath.Join("/xdg", "ragstarter", "config.json") {
		t.Errorf("FilePath() = %q", got)
	}
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
