// Package config loads daemon configuration from a JSON file at
// $XDG_CONFIG_HOME/ragd/config.json, with RAGD_* environment variables
// overriding file values. Secrets (API keys, auth tokens) are never stored
// in the file and come from the environment only.
package config

import (
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Chunking  ChunkingConfig
	Retrieval RetrievalConfig
	Graph     GraphConfig
	Session   SessionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string // bearer token; empty disables auth
}

type ProvidersConfig struct {
	OllamaBaseURL   string
	OpenAIAPIKey    string
	OpenAIBaseURL   string // empty selects the public endpoint
	CompletionModel string
	EmbedModel      string
}

type StorageConfig struct {
	DataDir string
}

type ChunkingConfig struct {
	MaxTokens     int
	OverlapTokens int
	MinTokens     int
}

type RetrievalConfig struct {
	KPerSource       int
	KFinal           int
	PerSourceTimeout string
}

// Timeout parses the per-source retrieval budget, falling back to 5s on a
// malformed value.
func (r RetrievalConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(r.PerSourceTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

type GraphConfig struct {
	ContextBudget    int
	RouterTopN       int
	MaxSiblingChunks int
	SynthesisTimeout string
	DocIntentTerms   string // comma-separated; empty keeps the built-in set
}

// IntentTerms splits the configured document-intent phrase list. Empty
// entries are dropped; an empty setting yields nil so the graph falls back
// to its built-in terms.
func (g GraphConfig) IntentTerms() []string {
	var out []string
	for _, t := range strings.Split(g.DocIntentTerms, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (g GraphConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(g.SynthesisTimeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

type SessionConfig struct {
	MaxContextTurns int
	IdleTimeout     string
}

func (s SessionConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Hour
	}
	return d
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4800,
			MCPPort: 4801,
		},
		Providers: ProvidersConfig{
			OllamaBaseURL:   "http://localhost:11434",
			CompletionModel: "mistral-nemo",
			EmbedModel:      "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxTokens:     512,
			OverlapTokens: 64,
			MinTokens:     16,
		},
		Retrieval: RetrievalConfig{
			KPerSource:       8,
			KFinal:           10,
			PerSourceTimeout: "5s",
		},
		Graph: GraphConfig{
			ContextBudget:    4000,
			RouterTopN:       3,
			MaxSiblingChunks: 12,
			SynthesisTimeout: "60s",
		},
		Session: SessionConfig{
			MaxContextTurns: 20,
			IdleTimeout:     "2h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend and applies RAGD_*
// environment overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
