// Package app builds the engine components from configuration. The binaries
// under cmd/ share it so the API server, the ingest worker and the CLI always
// agree on embedding model, vector store and pricing.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/docchat/engine/catalog"
	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/config"
	"github.com/WessleyAI/docchat/pkg/embedcache"
	"github.com/WessleyAI/docchat/pkg/llm"
	"github.com/WessleyAI/docchat/pkg/llm/gemini"
	"github.com/WessleyAI/docchat/pkg/llm/openai"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/ollama"
)

// EmbedCacheTTL bounds how long a cached vector is served.
const EmbedCacheTTL = 7 * 24 * time.Hour

// deepSeekBaseURL serves the "deepseek/..." model names of the price table.
const deepSeekBaseURL = "https://openrouter.ai/api/v1"

// App owns the connections it opens and closes them in reverse order.
type App struct {
	Cfg     config.Config
	Logger  *slog.Logger
	Metrics *metrics.Registry

	closers []func() error
}

// New creates an App. Nothing is dialled until a component is requested.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{Cfg: cfg, Logger: logger, Metrics: metrics.New()}
}

func (a *App) onClose(f func() error) { a.closers = append(a.closers, f) }

// Close releases every opened resource.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Embedder returns the configured embedding provider, behind the Redis cache
// when REDIS_URL is set. A cache that cannot be reached is skipped.
func (a *App) Embedder(ctx context.Context) (llm.Embedder, error) {
	var base llm.Embedder
	switch a.Cfg.Embed.Provider {
	case "openai":
		e, err := openai.NewEmbedder(openai.Config{
			APIKey:         a.Cfg.Embed.APIKey,
			BaseURL:        a.Cfg.LLM.BaseURL,
			EmbeddingModel: a.Cfg.Embed.Model,
		})
		if err != nil {
			return nil, err
		}
		base = e
	default:
		base = ollama.NewEmbedClient(a.Cfg.OllamaURL, a.Cfg.Embed.Model)
	}

	if a.Cfg.RedisURL == "" {
		return base, nil
	}
	addr, pass, db, err := redisAddr(a.Cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	store, err := embedcache.NewRedisStore(ctx, addr, pass, db)
	if err != nil {
		a.Logger.Warn("app: embedding cache disabled", "err", err)
		return base, nil
	}
	a.onClose(store.Close)
	return embedcache.New(base, store, a.Cfg.Embed.Provider+"/"+a.Cfg.Embed.Model, EmbedCacheTTL, a.Logger), nil
}

// redisAddr accepts either host:port or a redis:// URL.
func redisAddr(raw string) (addr, password string, db int, err error) {
	if !strings.Contains(raw, "://") {
		return raw, "", 0, nil
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		return "", "", 0, fmt.Errorf("app: REDIS_URL: %w", err)
	}
	return opt.Addr, opt.Password, opt.DB, nil
}

// Generator returns the configured chat model.
func (a *App) Generator(ctx context.Context) (llm.Generator, error) {
	c := a.Cfg.LLM
	switch c.Provider {
	case costs.ProviderOpenAI:
		return openai.New(openai.Config{Provider: string(c.Provider), APIKey: c.APIKey, BaseURL: c.BaseURL, Model: c.Model})
	case costs.ProviderDeepSeek:
		base := c.BaseURL
		if base == "" {
			base = deepSeekBaseURL
		}
		return openai.New(openai.Config{Provider: string(c.Provider), APIKey: c.APIKey, BaseURL: base, Model: c.Model})
	case costs.ProviderGoogle:
		return gemini.New(ctx, c.APIKey, c.Model)
	case costs.ProviderOllama:
		return ollama.NewChatClient(a.Cfg.OllamaURL, c.Model), nil
	}
	return nil, fmt.Errorf("app: LLM_PROVIDER %q has no client", c.Provider)
}

// Store opens the configured vector store.
func (a *App) Store(ctx context.Context) (semantic.Store, error) {
	v := a.Cfg.Vector
	dims := a.Cfg.Embed.Dims
	switch v.Backend {
	case "memory":
		return semantic.NewMemory(dims), nil
	case "chroma":
		s, err := semantic.NewChroma(ctx, v.ChromaURL, v.Collection, dims)
		if err != nil {
			return nil, err
		}
		a.onClose(s.Close)
		return s, nil
	default:
		s, err := semantic.NewQdrant(v.QdrantURL, v.Collection, dims)
		if err != nil {
			return nil, err
		}
		a.onClose(s.Close)
		if err := s.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("app: ensure collection %s: %w", v.Collection, err)
		}
		return s, nil
	}
}

// NATS connects to NATS_URL. It returns nil, nil when NATS is not configured.
func (a *App) NATS(name string) (*nats.Conn, error) {
	if a.Cfg.NATSURL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(a.Cfg.NATSURL, nats.Name(name))
	if err != nil {
		return nil, fmt.Errorf("app: nats connect: %w", err)
	}
	a.onClose(func() error {
		nc.Close()
		return nil
	})
	return nc, nil
}

// Catalog connects to Neo4j. It returns nil, nil when NEO4J_URL is unset.
func (a *App) Catalog(ctx context.Context) (*catalog.Catalog, error) {
	n := a.Cfg.Neo4j
	if n.URL == "" {
		return nil, nil
	}
	driver, err := neo4j.NewDriverWithContext(n.URL, neo4j.BasicAuth(n.User, n.Pass, ""))
	if err != nil {
		return nil, fmt.Errorf("app: neo4j driver: %w", err)
	}
	a.onClose(func() error { return driver.Close(context.Background()) })
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("app: neo4j connect: %w", err)
	}
	cat := catalog.New(driver, a.Logger)
	if err := cat.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return cat, nil
}

// Costs opens the SQLite cost store and the tracker. Recorded costs are
// published on nc when it is not nil.
func (a *App) Costs(nc *nats.Conn) (*costs.Tracker, error) {
	prices, err := a.Cfg.Prices()
	if err != nil {
		return nil, err
	}
	store, err := costs.OpenSQLite(a.Cfg.CostDBPath)
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	var opts []costs.Option
	if nc != nil {
		opts = append(opts, costs.WithPublisher(costs.NewNATSPublisher(nc)))
	}
	return costs.NewTracker(store, prices, a.Logger, opts...), nil
}

// Chunker returns the configured chunker.
func (a *App) Chunker() (*ingest.Chunker, error) {
	return ingest.NewChunker(a.Cfg.ChunkSize, a.Cfg.ChunkOverlap)
}

// ChatOptions maps configuration onto the chat engine options.
func (a *App) ChatOptions() rag.Options {
	c := a.Cfg.Chat
	opts := rag.DefaultOptions()
	opts.Provider = a.Cfg.LLM.Provider
	opts.Model = a.Cfg.LLM.Model
	if c.TopK > 0 {
		opts.TopK = c.TopK
	}
	if c.Temperature != nil {
		opts.Temperature = *c.Temperature
	}
	if c.MaxTokens > 0 {
		opts.MaxTokens = c.MaxTokens
	}
	if c.MaxHistory != 0 {
		opts.MaxHistory = c.MaxHistory
	}
	if c.SearchTimeout > 0 {
		opts.SearchTimeout = c.SearchTimeout
	}
	if c.SystemPrompt != "" {
		opts.SystemPrompt = c.SystemPrompt
	}
	return opts
}

// IngestService assembles the ingest pipeline over root. The catalog is
// attached when Neo4j is configured.
func (a *App) IngestService(ctx context.Context, root string) (*ingest.Service, semantic.Store, error) {
	loader, err := ingest.NewLoader(root, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	chunker, err := a.Chunker()
	if err != nil {
		return nil, nil, err
	}
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, nil, err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return nil, nil, err
	}
	deps := ingest.Deps{
		Chunker:  chunker,
		Embedder: emb,
		Store:    store,
		Metrics:  metrics.NewIngest(a.Metrics),
		Logger:   a.Logger,
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cat != nil {
		deps.Catalog = cat
	}
	svc, err := ingest.NewService(loader, deps)
	if err != nil {
		return nil, nil, err
	}
	return svc, store, nil
}
