// Command ingest runs the ingestion worker: it consumes jobs from NATS,
// answers corpus statistics requests and optionally watches the corpus root
// for changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/docchat/engine/ingest"
	"github.com/WessleyAI/docchat/internal/app"
	"github.com/WessleyAI/docchat/pkg/config"
)

type options struct {
	dir         string
	initial     bool
	watch       bool
	concurrency int
	debounce    time.Duration
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	var opts options
	flag.StringVar(&opts.dir, "dir", cfg.DocsRoot, "corpus root directory")
	flag.BoolVar(&opts.initial, "initial", false, "ingest the whole corpus before consuming jobs")
	flag.BoolVar(&opts.watch, "watch", false, "re-ingest files as they change")
	flag.IntVar(&opts.concurrency, "concurrency", 4, "documents ingested in parallel by -initial")
	flag.DurationVar(&opts.debounce, "debounce", 300*time.Millisecond, "quiet period before a changed file is re-ingested")
	flag.Parse()

	if err := run(cfg, opts, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger)
	defer a.Close()

	nc, err := a.NATS("docchat-ingest")
	if err != nil {
		return err
	}
	if nc == nil && !opts.watch && !opts.initial {
		return errors.New("nothing to do: set NATS_URL or pass -watch or -initial")
	}

	svc, store, err := a.IngestService(ctx, opts.dir)
	if err != nil {
		return fmt.Errorf("ingest service: %w", err)
	}
	a.Metrics.ServeAsync(cfg.MetricsPort, logger)

	if opts.initial {
		rep, err := svc.IngestDir(ctx, opts.concurrency)
		if err != nil {
			return fmt.Errorf("initial ingest: %w", err)
		}
		logger.Info("initial ingest done", "documents", len(rep.Outcomes), "chunks", rep.Chunks(), "failures", len(rep.Failures))
	}

	if nc != nil {
		sub, err := ingest.StartConsumer(nc, svc)
		if err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		defer sub.Drain()
		stats, err := ingest.ServeStats(nc, store)
		if err != nil {
			return fmt.Errorf("serve stats: %w", err)
		}
		defer stats.Drain()
		logger.Info("consuming ingest jobs", "subject", ingest.Subject, "group", ingest.QueueGroup)
	}

	if opts.watch {
		logger.Info("watching corpus", "dir", opts.dir)
		if err := ingest.NewWatcher(svc, opts.debounce).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watch: %w", err)
		}
	} else if nc != nil {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	return nil
}
