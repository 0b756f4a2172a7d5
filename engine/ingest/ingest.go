// Package ingest turns corpus files into stored chunks: loading, chunking,
// embedding and writing through the vector store, plus the queue consumer and
// directory watcher that drive it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/llm"
	"github.com/WessleyAI/docchat/pkg/metrics"
)

const (
	// EmbedBatchSize is the max chunks per embedding request.
	EmbedBatchSize = 100
	// DefaultConcurrency bounds parallel documents in IngestDir.
	DefaultConcurrency = 4
)

// Deps holds the external dependencies for the ingestion pipeline.
type Deps struct {
	Chunker  *Chunker
	Embedder llm.Embedder
	Store    semantic.Store
	Catalog  Cataloger      // optional
	Metrics  *metrics.Ingest // optional
	Retry    fn.RetryOpts    // zero value means fn.DefaultRetry
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) retry() fn.RetryOpts {
	opts := d.Retry
	if opts.MaxAttempts == 0 {
		opts = fn.DefaultRetry
	}
	if opts.Retryable == nil {
		opts.Retryable = domain.IsTransient
	}
	return opts
}

// --- Pipeline Stages ---

// Validate rejects documents that cannot be keyed.
var Validate fn.Stage[domain.Document, domain.Document] = func(_ context.Context, doc domain.Document) fn.Result[domain.Document] {
	if strings.TrimSpace(doc.ID) == "" {
		return fn.Err[domain.Document](domain.NewValidationError("doc_id", doc.ID, domain.ErrEmptyDocID))
	}
	return fn.Ok(doc)
}

// NewChunkDoc creates a Chunk stage for the given chunker.
func NewChunkDoc(c *Chunker) fn.Stage[domain.Document, ChunkedDoc] {
	return func(_ context.Context, doc domain.Document) fn.Result[ChunkedDoc] {
		return fn.Ok(ChunkedDoc{Document: doc, Chunks: slices.Collect(c.Chunks(doc))})
	}
}

// NewEmbed creates an Embed stage. Chunks are sent in batches of
// EmbedBatchSize; each batch is retried on transient errors.
func NewEmbed(e llm.Embedder, opts fn.RetryOpts) fn.Stage[ChunkedDoc, EmbeddedDoc] {
	return func(ctx context.Context, doc ChunkedDoc) fn.Result[EmbeddedDoc] {
		out := make([]semantic.EmbeddedChunk, 0, len(doc.Chunks))
		for _, batch := range fn.Chunk(doc.Chunks, EmbedBatchSize) {
			texts := fn.Map(batch, func(c domain.Chunk) string { return c.Text })
			res := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[][]float32] {
				return fn.FromPair(e.EmbedBatch(ctx, texts))
			})
			vecs, err := res.Unwrap()
			if err != nil {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: %w", err))
			}
			if len(vecs) != len(batch) {
				return fn.Err[EmbeddedDoc](fmt.Errorf("embed batch: got %d vectors for %d chunks", len(vecs), len(batch)))
			}
			for i, c := range batch {
				out = append(out, semantic.EmbeddedChunk{Chunk: c, Vector: vecs[i]})
			}
		}
		return fn.Ok(EmbeddedDoc{ChunkedDoc: doc, Embedded: out})
	}
}

// NewStore creates a Store stage that replaces the document's chunks in the
// vector store, then records it in the catalog. Catalog failures are logged;
// the vectors are what retrieval depends on.
func NewStore(store semantic.Store, catalog Cataloger, log *slog.Logger) fn.Stage[EmbeddedDoc, Outcome] {
	return func(ctx context.Context, doc EmbeddedDoc) fn.Result[Outcome] {
		n, err := store.Upsert(ctx, doc.ID, doc.Embedded)
		if err != nil {
			return fn.Err[Outcome](fmt.Errorf("vector upsert: %w", err))
		}
		if catalog != nil {
			if err := catalog.Save(ctx, doc.Document, n); err != nil {
				log.Warn("ingest: catalog save", "err", err, "doc_id", doc.ID)
			}
		}
		return fn.Ok(Outcome{DocID: doc.ID, Title: doc.Title, Category: doc.Category, Chunks: n})
	}
}

// LoggedTap returns a stage that logs entry into the named stage. Durations
// are recorded by measured.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// measured wraps a stage with tracing and, when m is set, duration and error
// metrics labelled by stage.
func measured[In, Out any](name string, m *metrics.Ingest, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	traced := fn.TracedStage("ingest."+name, stage)
	if m == nil {
		return traced
	}
	return func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		r := traced(ctx, in)
		metrics.Since(m.StageDuration.WithLabelValues(name), start)
		if r.IsErr() {
			m.Errors.WithLabelValues(name).Inc()
		}
		return r
	}
}

// NewPipeline constructs the full ingestion pipeline with all stages wired.
func NewPipeline(deps Deps) fn.Stage[domain.Document, Outcome] {
	log := deps.logger()
	m := deps.Metrics

	// Compose: Validate → Chunk → Embed → Store
	// with logging taps between stages. Upserts are idempotent, so the store
	// stage is retried as a whole on transient failures.
	validated := fn.Then(LoggedTap[domain.Document]("validate", log), measured("validate", m, Validate))
	chunked := fn.Then(validated, fn.Then(LoggedTap[domain.Document]("chunk", log), measured("chunk", m, NewChunkDoc(deps.Chunker))))
	embedded := fn.Then(chunked, fn.Then(LoggedTap[ChunkedDoc]("embed", log), measured("embed", m, NewEmbed(deps.Embedder, deps.retry()))))
	stored := fn.Then(embedded, fn.Then(LoggedTap[EmbeddedDoc]("store", log), measured("store", m, fn.RetryStage(deps.retry(), NewStore(deps.Store, deps.Catalog, log)))))

	return stored
}

// Service ingests files from a corpus root.
type Service struct {
	loader   *Loader
	deps     Deps
	pipeline fn.Stage[domain.Document, Outcome]
	log      *slog.Logger
}

// NewService wires a Service. Chunker, Embedder and Store are required.
func NewService(loader *Loader, deps Deps) (*Service, error) {
	switch {
	case loader == nil:
		return nil, errors.New("ingest: loader is required")
	case deps.Chunker == nil:
		return nil, errors.New("ingest: chunker is required")
	case deps.Embedder == nil:
		return nil, errors.New("ingest: embedder is required")
	case deps.Store == nil:
		return nil, errors.New("ingest: store is required")
	}
	return &Service{loader: loader, deps: deps, pipeline: NewPipeline(deps), log: deps.logger()}, nil
}

// Loader returns the service's loader.
func (s *Service) Loader() *Loader { return s.loader }

// Ingest runs a loaded document through the pipeline.
func (s *Service) Ingest(ctx context.Context, doc domain.Document) (Outcome, error) {
	out, err := s.pipeline(ctx, doc).Unwrap()
	if err != nil {
		return Outcome{}, fmt.Errorf("ingest %s: %w", doc.ID, err)
	}
	if m := s.deps.Metrics; m != nil {
		m.Docs.WithLabelValues(string(out.Category)).Inc()
		m.Chunks.WithLabelValues(string(out.Category)).Add(float64(out.Chunks))
	}
	s.log.Info("ingest: stored", "doc_id", out.DocID, "chunks", out.Chunks)
	return out, nil
}

// IngestFile loads and ingests one file.
func (s *Service) IngestFile(ctx context.Context, path string) (Outcome, error) {
	doc, err := s.loader.Load(path)
	if err != nil {
		return Outcome{}, err
	}
	return s.Ingest(ctx, doc)
}

// IngestDir ingests every supported file under the root with at most
// concurrency documents in flight. Per-file failures are collected in the
// report; only walk and context errors abort the run.
func (s *Service) IngestDir(ctx context.Context, concurrency int) (Report, error) {
	files, err := s.loader.Files(ctx)
	if err != nil {
		return Report{}, err
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	outcomes := make([]*Outcome, len(files))
	failures := make([]*Failure, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range files {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			out, err := s.IngestFile(gctx, path)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.log.Error("ingest: file failed", "path", path, "err", err)
				failures[i] = &Failure{Path: path, Err: err.Error()}
				return nil
			}
			outcomes[i] = &out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var rep Report
	for i := range files {
		if outcomes[i] != nil {
			rep.Outcomes = append(rep.Outcomes, *outcomes[i])
		}
		if failures[i] != nil {
			rep.Failures = append(rep.Failures, *failures[i])
		}
	}
	return rep, nil
}

// Remove deletes a document's chunks and catalog entry.
func (s *Service) Remove(ctx context.Context, path string) error {
	id, err := s.loader.DocID(path)
	if err != nil {
		return err
	}
	return s.RemoveID(ctx, id)
}

// RemoveID deletes a document by id.
func (s *Service) RemoveID(ctx context.Context, docID string) error {
	if err := s.deps.Store.Delete(ctx, docID); err != nil {
		return fmt.Errorf("ingest: delete %s: %w", docID, err)
	}
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.Delete(ctx, docID); err != nil {
			s.log.Warn("ingest: catalog delete", "err", err, "doc_id", docID)
		}
	}
	s.log.Info("ingest: removed", "doc_id", docID)
	return nil
}
