package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "llm.backend", typ: kString, env: "RAGSTARTER_LLM_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.LLM.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Backend },
	},
	{
		key: "llm.base_url", typ: kString, env: "RAGSTARTER_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "RAGSTARTER_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.embed_model", typ: kString, env: "RAGSTARTER_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "llm.api_key", typ: kString, env: "RAGSTARTER_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.temperature", typ: kFloat, env: "RAGSTARTER_LLM_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.startup_wait", typ: kDuration, env: "RAGSTARTER_LLM_STARTUP_WAIT",
		apply:   func(cfg *Config, v any) { cfg.LLM.StartupWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.StartupWait },
	},
	{
		key: "llm.pull_missing", typ: kBool, env: "RAGSTARTER_LLM_PULL_MISSING",
		apply:   func(cfg *Config, v any) { cfg.LLM.PullMissing = v.(bool) },
		extract: func(cfg Config) any { return cfg.LLM.PullMissing },
	},
	{
		key: "docs.dir", typ: kString, env: "RAGSTARTER_DOCS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Docs.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Docs.Dir },
	},
	{
		key: "storage.index_dir", typ: kString, env: "RAGSTARTER_STORAGE_INDEX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.IndexDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.IndexDir },
	},
	{
		key: "chunk.size", typ: kInt, env: "RAGSTARTER_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Size },
	},
	{
		key: "chunk.overlap", typ: kInt, env: "RAGSTARTER_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunk.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunk.Overlap },
	},
	{
		key: "embed.concurrency", typ: kInt, env: "RAGSTARTER_EMBED_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embed.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Concurrency },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "RAGSTARTER_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "eval.enabled", typ: kBool, env: "RAGSTARTER_EVAL_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Eval.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Eval.Enabled },
	},
	{
		key: "eval.questions", typ: kInt, env: "RAGSTARTER_EVAL_QUESTIONS",
		apply:   func(cfg *Config, v any) { cfg.Eval.Questions = v.(int) },
		extract: func(cfg Config) any { return cfg.Eval.Questions },
	},
	{
		key: "eval.questions_per_chunk", typ: kInt, env: "RAGSTARTER_EVAL_QUESTIONS_PER_CHUNK",
		apply:   func(cfg *Config, v any) { cfg.Eval.QuestionsPerChunk = v.(int) },
		extract: func(cfg Config) any { return cfg.Eval.QuestionsPerChunk },
	},
	{
		key: "eval.limit", typ: kInt, env: "RAGSTARTER_EVAL_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Eval.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Eval.Limit },
	},
	{
		key: "eval.output", typ: kString, env: "RAGSTARTER_EVAL_OUTPUT",
		apply:   func(cfg *Config, v any) { cfg.Eval.Output = v.(string) },
		extract: func(cfg Config) any { return cfg.Eval.Output },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "RAGSTARTER_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.rerank", typ: kBool, env: "RAGSTARTER_RETRIEVAL_RERANK",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Rerank = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.Rerank },
	},
	{
		key: "retrieval.rerank_threshold", typ: kFloat, env: "RAGSTARTER_RETRIEVAL_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankThreshold },
	},
	{
		key: "retrieval.rerank_timeout", typ: kDuration, env: "RAGSTARTER_RETRIEVAL_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RerankTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retrieval.RerankTimeout },
	},
	{
		key: "query.question", typ: kString, env: "RAGSTARTER_QUERY_QUESTION",
		apply:   func(cfg *Config, v any) { cfg.Query.Question = v.(string) },
		extract: func(cfg Config) any { return cfg.Query.Question },
	},
	{
		key: "server.port", typ: kInt, env: "RAGSTARTER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "RAGSTARTER_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "RAGSTARTER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text into the Go type a keySpec's apply expects.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

func applyStore(cfg *Config, b Store) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
