package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/domain"
)

var keys = []string{
	FileEnv, "PORT", "CORS_ORIGIN", "METRICS_PORT", "LLM_PROVIDER", "LLM_MODEL", "LLM_API_KEY", "LLM_BASE_URL",
	"EMBED_PROVIDER", "EMBED_MODEL", "EMBED_DIMS", "EMBED_API_KEY", "OLLAMA_URL", "VECTOR_BACKEND", "QDRANT_URL",
	"QDRANT_COLLECTION", "CHROMA_URL", "COST_DB_PATH", "NATS_URL", "NEO4J_URL", "NEO4J_USER", "NEO4J_PASS",
	"REDIS_URL", "DOCS_ROOT", "CHUNK_SIZE", "CHUNK_OVERLAP", "TOP_K", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// clearEnv blanks every key Load reads; envOr treats empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.ChunkSize != 500 || cfg.ChunkOverlap != 100 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LLM.Provider != costs.ProviderOpenAI || cfg.LLM.Model != "gpt-3.5-turbo" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Vector.Backend != "qdrant" || cfg.Embed.Provider != "ollama" || cfg.Embed.Dims != 768 {
		t.Fatalf("vector=%+v embed=%+v", cfg.Vector, cfg.Embed)
	}
	if _, err := cfg.Prices(); err != nil {
		t.Fatalf("default model must be priced: %v", err)
	}
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_PROVIDER", "Gemini")
	t.Setenv("LLM_MODEL", "gemini-pro")
	t.Setenv("VECTOR_BACKEND", "CHROMA")
	t.Setenv("CHUNK_SIZE", "800")
	t.Setenv("CHUNK_OVERLAP", "0")
	t.Setenv("TOP_K", "8")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Provider != costs.ProviderGoogle || cfg.Vector.Backend != "chroma" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ChunkSize != 800 || cfg.ChunkOverlap != 0 || cfg.Chat.TopK != 8 || cfg.RateLimitRPS != 2.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"overlap >= size", map[string]string{"CHUNK_SIZE": "100", "CHUNK_OVERLAP": "100"}},
		{"zero size", map[string]string{"CHUNK_SIZE": "0"}},
		{"not a number", map[string]string{"CHUNK_SIZE": "big"}},
		{"backend", map[string]string{"VECTOR_BACKEND": "pinecone"}},
		{"embedder", map[string]string{"EMBED_PROVIDER": "cohere"}},
		{"top k", map[string]string{"TOP_K": "-1"}},
		{"top k above limit", map[string]string{"TOP_K": "21"}},
		{"missing file", map[string]string{FileEnv: "/nonexistent/docchat.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	body := `chat:
  temperature: 0.2
  max_tokens: 800
  max_history: 3
  search_timeout: 2s
  top_k: 4
pricing:
  - provider: ollama
    model: llama3
    input_per_1k: 0.0001
    output_per_1k: 0.0002
  - provider: openai
    model: gpt-4o
    input_per_1k: 0.005
    output_per_1k: 0.015
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	clearEnv(t)
	t.Setenv(FileEnv, path)
	t.Setenv("LLM_MODEL", "gpt-4o")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.Temperature == nil || *cfg.Chat.Temperature != 0.2 || cfg.Chat.MaxTokens != 800 ||
		cfg.Chat.MaxHistory != 3 || cfg.Chat.SearchTimeout != 2*time.Second || cfg.Chat.TopK != 4 {
		t.Fatalf("chat = %+v", cfg.Chat)
	}

	prices, err := cfg.Prices()
	if err != nil {
		t.Fatal(err)
	}
	p, err := prices.Lookup(costs.ProviderOllama, "llama3")
	if err != nil || p.InputPer1K != 0.0001 {
		t.Fatalf("llama3 price = %+v, %v", p, err)
	}
	if p, _ := prices.Lookup(costs.ProviderOllama, "mistral"); p.InputPer1K != 0 {
		t.Fatalf("wildcard ollama entry should remain, got %+v", p)
	}
}

func TestLoad_EnvTopKWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  top_k: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	clearEnv(t)
	t.Setenv(FileEnv, path)
	t.Setenv("TOP_K", "9")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Chat.TopK != 9 {
		t.Fatalf("top_k = %d", cfg.Chat.TopK)
	}
}

func TestPrices_UnknownModel(t *testing.T) {
	cfg := Config{LLM: LLM{Provider: costs.ProviderOpenAI, Model: "gpt-9"}}
	if _, err := cfg.Prices(); !errors.Is(err, domain.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
}
