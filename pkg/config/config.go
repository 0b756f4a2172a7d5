// Package config loads process configuration: an optional .env file, then
// environment variables, then an optional YAML file named by DOCCHAT_CONFIG
// for pricing overrides and chat tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/domain"
)

// FileEnv names the YAML file with pricing overrides and chat options.
const FileEnv = "DOCCHAT_CONFIG"

// LLM selects the generation provider.
type LLM struct {
	Provider costs.Provider
	Model    string
	APIKey   string
	BaseURL  string
}

// Embed selects the embedding provider. The same settings must be used at
// ingest and query time.
type Embed struct {
	Provider string // ollama | openai
	Model    string
	Dims     int
	APIKey   string
}

// Vector selects the vector store backend.
type Vector struct {
	Backend    string // memory | qdrant | chroma
	QdrantURL  string
	Collection string
	ChromaURL  string
}

// Neo4j locates the document catalog. An empty URL disables it.
type Neo4j struct {
	URL  string
	User string
	Pass string
}

// Chat tunes the chat engine. Zero values keep the engine defaults.
type Chat struct {
	TopK          int           `yaml:"top_k"`
	Temperature   *float64      `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxHistory    int           `yaml:"max_history"`
	SearchTimeout time.Duration `yaml:"search_timeout"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

// PriceOverride adds or replaces one entry of the pricing table.
type PriceOverride struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// File is the YAML document read from DOCCHAT_CONFIG.
type File struct {
	Chat    Chat            `yaml:"chat"`
	Pricing []PriceOverride `yaml:"pricing"`
}

// Config holds all configuration.
type Config struct {
	Port           string
	CORSOrigin     string
	MetricsPort    int
	LLM            LLM
	Embed          Embed
	OllamaURL      string
	Vector         Vector
	CostDBPath     string
	NATSURL        string
	Neo4j          Neo4j
	RedisURL       string
	DocsRoot       string
	ChunkSize      int
	ChunkOverlap   int
	RateLimitRPS   float64
	RateLimitBurst int
	Chat           Chat
	Pricing        []PriceOverride
}

// Load reads .env (if present), the environment and the optional YAML file,
// then validates. Invalid chunking is a *domain.ConfigError.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var errs []error
	cfg := Config{
		Port:        envOr("PORT", "8080"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		MetricsPort: envInt("METRICS_PORT", 9090, &errs),
		LLM: LLM{
			Provider: costs.ParseProvider(envOr("LLM_PROVIDER", "openai")),
			Model:    envOr("LLM_MODEL", "gpt-3.5-turbo"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		},
		Embed: Embed{
			Provider: strings.ToLower(envOr("EMBED_PROVIDER", "ollama")),
			Model:    envOr("EMBED_MODEL", "nomic-embed-text"),
			Dims:     envInt("EMBED_DIMS", 768, &errs),
			APIKey:   envOr("EMBED_API_KEY", os.Getenv("LLM_API_KEY")),
		},
		OllamaURL: envOr("OLLAMA_URL", "http://localhost:11434"),
		Vector: Vector{
			Backend:    strings.ToLower(envOr("VECTOR_BACKEND", "qdrant")),
			QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
			Collection: envOr("QDRANT_COLLECTION", "docchat"),
			ChromaURL:  envOr("CHROMA_URL", "http://localhost:8000"),
		},
		CostDBPath: envOr("COST_DB_PATH", "data/costs.db"),
		NATSURL:    os.Getenv("NATS_URL"),
		Neo4j: Neo4j{
			URL:  os.Getenv("NEO4J_URL"),
			User: envOr("NEO4J_USER", "neo4j"),
			Pass: envOr("NEO4J_PASS", "password"),
		},
		RedisURL:       os.Getenv("REDIS_URL"),
		DocsRoot:       envOr("DOCS_ROOT", "documents"),
		ChunkSize:      envInt("CHUNK_SIZE", 500, &errs),
		ChunkOverlap:   envInt("CHUNK_OVERLAP", 100, &errs),
		RateLimitRPS:   envFloat("RATE_LIMIT_RPS", 10, &errs),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20, &errs),
		Chat:           Chat{TopK: envInt("TOP_K", 0, &errs)},
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if path := os.Getenv(FileEnv); path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.apply(f)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile parses a YAML config file.
func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, domain.NewConfigError(FileEnv, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, domain.NewConfigError(FileEnv, fmt.Errorf("parse %s: %w", path, err))
	}
	return f, nil
}

// apply merges file values over the environment. TOP_K from the environment
// wins over the file.
func (c *Config) apply(f File) {
	topK := c.Chat.TopK
	c.Chat = f.Chat
	if topK != 0 {
		c.Chat.TopK = topK
	}
	c.Pricing = append(c.Pricing, f.Pricing...)
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	if err := domain.ValidateChunking(c.ChunkSize, c.ChunkOverlap); err != nil {
		return err
	}
	if c.Chat.TopK < 0 || c.Chat.TopK > domain.MaxTopK {
		return domain.NewConfigError("TOP_K", domain.ErrInvalidTopK)
	}
	switch c.Vector.Backend {
	case "memory", "qdrant", "chroma":
	default:
		return domain.NewConfigError("VECTOR_BACKEND", fmt.Errorf("unknown backend %q", c.Vector.Backend))
	}
	switch c.Embed.Provider {
	case "ollama", "openai":
	default:
		return domain.NewConfigError("EMBED_PROVIDER", fmt.Errorf("unknown provider %q", c.Embed.Provider))
	}
	for _, p := range c.Pricing {
		if p.Provider == "" || p.Model == "" || p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return domain.NewConfigError("pricing", fmt.Errorf("invalid entry %+v", p))
		}
	}
	return nil
}

// Prices builds the pricing table with the configured overrides and checks
// that the configured model is priced.
func (c Config) Prices() (*costs.Table, error) {
	overrides := make(map[costs.ModelKey]costs.Price, len(c.Pricing))
	for _, p := range c.Pricing {
		key := costs.ModelKey{Provider: costs.ParseProvider(p.Provider), Model: p.Model}
		overrides[key] = costs.Price{InputPer1K: p.InputPer1K, OutputPer1K: p.OutputPer1K}
	}
	t := costs.NewTable(overrides)
	if _, err := t.Lookup(c.LLM.Provider, c.LLM.Model); err != nil {
		return nil, err
	}
	return t, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, domain.NewConfigError(key, err))
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, domain.NewConfigError(key, err))
		return fallback
	}
	return f
}
