package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	LLM       LLMConfig
	Docs      DocsConfig
	Storage   StorageConfig
	Chunk     ChunkConfig
	Embed     EmbedConfig
	Retrieval RetrievalConfig
	Eval      EvalConfig
	Query     QueryConfig
	Server    ServerConfig
	Log       LogConfig
}

// LLMConfig selects the language-model backend. Model is used for answer
// synthesis, question generation and relevancy evaluation alike.
type LLMConfig struct {
	Backend     string
	BaseURL     string
	Model       string
	EmbedModel  string
	APIKey      string
	Temperature float64
	StartupWait time.Duration
	PullMissing bool
}

type DocsConfig struct {
	Dir string
}

type StorageConfig struct {
	IndexDir string
}

// ChunkConfig sizes are counted in words.
type ChunkConfig struct {
	Size    int
	Overlap int
}

type EmbedConfig struct {
	Concurrency int
}

// RetrievalConfig controls what reaches the prompt. With Rerank set, three
// times TopK passages are retrieved and the chat model keeps the best TopK.
type RetrievalConfig struct {
	TopK             int
	MaxContextTokens int
	Rerank           bool
	RerankThreshold  float64
	RerankTimeout    time.Duration
}

type EvalConfig struct {
	Enabled           bool
	Questions         int
	QuestionsPerChunk int
	Limit             int
	Output            string
}

type QueryConfig struct {
	Question string
}

// ServerConfig configures `ragstarter serve`. A non-empty Token requires
// bearer authentication on every route except /health.
type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

// Backends lists the accepted values of llm.backend.
var Backends = []string{"ollama", "openai"}

func defaults() Config {
	return Config{
		LLM: LLMConfig{
			Backend:     "ollama",
			BaseURL:     "http://localhost:11434",
			Model:       "mistral:7b",
			EmbedModel:  "nomic-embed-text",
			Temperature: 0.1,
			PullMissing: true,
		},
		Docs:    DocsConfig{Dir: "data"},
		Storage: StorageConfig{IndexDir: "./storage"},
		Chunk: ChunkConfig{
			Size:    512,
			Overlap: 20,
		},
		Embed:     EmbedConfig{Concurrency: 4},
		Retrieval: RetrievalConfig{
			TopK:             2,
			MaxContextTokens: 3000,
			RerankThreshold:  0.3,
			RerankTimeout:    10 * time.Second,
		},
		Eval: EvalConfig{
			Enabled:           true,
			Questions:         1,
			QuestionsPerChunk: 3,
			Limit:             1,
			Output:            "evaluation_results.jsonl",
		},
		Query:  QueryConfig{Question: "What did the author do growing up?"},
		Server: ServerConfig{Port: 4000},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON config file and environment
// variables, in that order of increasing precedence.
//
// The file lives at $XDG_CONFIG_HOME/ragstarter/config.json (or
// ~/.config/ragstarter/config.json). Environment variables (RAGSTARTER_*)
// override file values. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Store) (Config, error) {
	cfg := defaults()

	if err := applyStore(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot produce a working run.
func (c Config) Validate() error {
	known := false
	for _, b := range Backends {
		if c.LLM.Backend == b {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("invalid config: llm.backend %q (want one of %s)", c.LLM.Backend, strings.Join(Backends, ", "))
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("invalid config: llm.model is empty")
	}
	if c.LLM.EmbedModel == "" {
		return fmt.Errorf("invalid config: llm.embed_model is empty")
	}
	if c.LLM.StartupWait < 0 {
		return fmt.Errorf("invalid config: llm.startup_wait must not be negative")
	}
	if c.Docs.Dir == "" {
		return fmt.Errorf("invalid config: docs.dir is empty")
	}
	if c.Storage.IndexDir == "" {
		return fmt.Errorf("invalid config: storage.index_dir is empty")
	}
	if c.Chunk.Size <= 0 {
		return fmt.Errorf("invalid config: chunk.size must be positive, got %d", c.Chunk.Size)
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		return fmt.Errorf("invalid config: chunk.overlap must be in [0, chunk.size), got %d", c.Chunk.Overlap)
	}
	if c.Embed.Concurrency <= 0 {
		return fmt.Errorf("invalid config: embed.concurrency must be positive, got %d", c.Embed.Concurrency)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid config: retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MaxContextTokens < 0 {
		return fmt.Errorf("invalid config: retrieval.max_context_tokens must not be negative")
	}
	if c.Retrieval.RerankThreshold < 0 || c.Retrieval.RerankThreshold > 1 {
		return fmt.Errorf("invalid config: retrieval.rerank_threshold must be in [0, 1], got %g", c.Retrieval.RerankThreshold)
	}
	if c.Retrieval.RerankTimeout < 0 {
		return fmt.Errorf("invalid config: retrieval.rerank_timeout must not be negative")
	}
	if c.Eval.Questions < 0 || c.Eval.QuestionsPerChunk <= 0 || c.Eval.Limit < 0 {
		return fmt.Errorf("invalid config: eval.questions and eval.limit must not be negative, eval.questions_per_chunk must be positive")
	}
	if c.Eval.Enabled && c.Eval.Output == "" {
		return fmt.Errorf("invalid config: eval.output is empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid config: log.level %q", c.Log.Level)
	}
	return nil
}
