package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
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
		key: "server.port", typ: kInt, env: "RAGD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "RAGD_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "RAGD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "providers.ollama_base_url", typ: kString, env: "RAGD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OllamaBaseURL },
	},
	{
		key: "providers.openai_api_key", typ: kString, env: "RAGD_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAIAPIKey },
	},
	{
		key: "providers.openai_base_url", typ: kString, env: "RAGD_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Providers.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.OpenAIBaseURL },
	},
	{
		key: "providers.completion_model", typ: kString, env: "RAGD_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.CompletionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.CompletionModel },
	},
	{
		key: "providers.embed_model", typ: kString, env: "RAGD_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Providers.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Providers.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAGD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "chunking.max_tokens", typ: kInt, env: "RAGD_CHUNKING_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MaxTokens },
	},
	{
		key: "chunking.overlap_tokens", typ: kInt, env: "RAGD_CHUNKING_OVERLAP_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.OverlapTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.OverlapTokens },
	},
	{
		key: "chunking.min_tokens", typ: kInt, env: "RAGD_CHUNKING_MIN_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MinTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MinTokens },
	},
	{
		key: "retrieval.k_per_source", typ: kInt, env: "RAGD_RETRIEVAL_K_PER_SOURCE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.KPerSource = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.KPerSource },
	},
	{
		key: "retrieval.k_final", typ: kInt, env: "RAGD_RETRIEVAL_K_FINAL",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.KFinal = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.KFinal },
	},
	{
		key: "retrieval.per_source_timeout", typ: kString, env: "RAGD_RETRIEVAL_PER_SOURCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.PerSourceTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.PerSourceTimeout },
	},
	{
		key: "graph.context_budget", typ: kInt, env: "RAGD_GRAPH_CONTEXT_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Graph.ContextBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.ContextBudget },
	},
	{
		key: "graph.router_top_n", typ: kInt, env: "RAGD_GRAPH_ROUTER_TOP_N",
		apply:   func(cfg *Config, v any) { cfg.Graph.RouterTopN = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.RouterTopN },
	},
	{
		key: "graph.max_sibling_chunks", typ: kInt, env: "RAGD_GRAPH_MAX_SIBLING_CHUNKS",
		apply:   func(cfg *Config, v any) { cfg.Graph.MaxSiblingChunks = v.(int) },
		extract: func(cfg Config) any { return cfg.Graph.MaxSiblingChunks },
	},
	{
		key: "graph.synthesis_timeout", typ: kString, env: "RAGD_GRAPH_SYNTHESIS_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Graph.SynthesisTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Graph.SynthesisTimeout },
	},
	{
		key: "graph.doc_intent_terms", typ: kString, env: "RAGD_GRAPH_DOC_INTENT_TERMS",
		apply:   func(cfg *Config, v any) { cfg.Graph.DocIntentTerms = v.(string) },
		extract: func(cfg Config) any { return cfg.Graph.DocIntentTerms },
	},
	{
		key: "session.max_context_turns", typ: kInt, env: "RAGD_SESSION_MAX_CONTEXT_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxContextTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.MaxContextTurns },
	},
	{
		key: "session.idle_timeout", typ: kString, env: "RAGD_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "log.level", typ: kString, env: "RAGD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
