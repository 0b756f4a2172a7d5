// Package main implements the docchat API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/docchat/engine/costs"
	"github.com/WessleyAI/docchat/engine/rag"
	"github.com/WessleyAI/docchat/internal/app"
	"github.com/WessleyAI/docchat/pkg/config"
	"github.com/WessleyAI/docchat/pkg/metrics"
	"github.com/WessleyAI/docchat/pkg/mid"
	"github.com/WessleyAI/docchat/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	defer a.Close()

	// --- Connect to backends ---
	nc, err := a.NATS("docchat-api")
	if err != nil {
		return err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	emb, err := a.Embedder(ctx)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	gen, err := a.Generator(ctx)
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	tracker, err := a.Costs(nc)
	if err != nil {
		return fmt.Errorf("cost tracker: %w", err)
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	// --- Build RAG service ---
	ragSvc, err := rag.New(rag.Deps{
		Embedder:  emb,
		Generator: gen,
		Retriever: store,
		Tokens:    costs.NewTokenizer(logger),
		Costs:     tracker,
		Metrics:   metrics.NewChat(a.Metrics),
		Logger:    logger,
	}, a.ChatOptions())
	if err != nil {
		return err
	}

	// --- Build HTTP server ---
	s := &server{chat: ragSvc, embed: emb, store: store, costs: tracker, logger: logger}
	if cat != nil {
		s.catalog = cat
	}
	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst})

	handler := mid.Chain(s.routes(limiter, a.Metrics.Handler()),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("docchat-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "model", cfg.LLM.Model, "backend", cfg.Vector.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}
