package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/semantic"
	"github.com/WessleyAI/docchat/pkg/fn"
	"github.com/WessleyAI/docchat/pkg/metrics"
)

// --- Fakes ---

type fakeEmbedder struct {
	calls    atomic.Int32
	failures atomic.Int32 // transient failures left to return
	err      error        // permanent error
	short    bool         // return one vector too few
}

func vectorFor(text string) []float32 {
	return []float32{float32(len(text)%7 + 1), float32(strings.Count(text, "a")), 1}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, domain.Transient(errors.New("503 from embedder"))
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = vectorFor(t)
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

type fakeCatalog struct {
	mu      sync.Mutex
	saved   map[string]int
	deleted []string
	err     error
}

func (c *fakeCatalog) Save(_ context.Context, doc domain.Document, chunks int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.saved == nil {
		c.saved = map[string]int{}
	}
	c.saved[doc.ID] = chunks
	return nil
}

func (c *fakeCatalog) Delete(_ context.Context, docID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, docID)
	return nil
}

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}

type harness struct {
	svc     *Service
	store   *semantic.Memory
	emb     *fakeEmbedder
	catalog *fakeCatalog
	metrics *metrics.Ingest
	root    string
}

func newHarness(t *testing.T, files map[string]string) *harness {
	t.Helper()
	root := writeCorpus(t, files)
	h := &harness{
		store:   semantic.NewMemory(0),
		emb:     &fakeEmbedder{},
		catalog: &fakeCatalog{},
		metrics: metrics.NewIngest(metrics.New()),
		root:    root,
	}
	svc, err := NewService(mustLoader(t, root), Deps{
		Chunker:  mustChunker(t, 50, 10),
		Embedder: h.emb,
		Store:    h.store,
		Catalog:  h.catalog,
		Metrics:  h.metrics,
		Retry:    fastRetry,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.svc = svc
	return h
}

// --- Tests ---

func TestNewServiceRequiresDeps(t *testing.T) {
	l := mustLoader(t, t.TempDir())
	if _, err := NewService(l, Deps{}); err == nil {
		t.Fatal("expected error for missing chunker")
	}
	if _, err := NewService(nil, Deps{}); err == nil {
		t.Fatal("expected error for missing loader")
	}
}

func TestIngestFileStoresChunks(t *testing.T) {
	h := newHarness(t, map[string]string{
		"policy/leave.md": "# Leave\n" + strings.Repeat("annual leave accrues monthly. ", 5),
	})
	out, err := h.svc.IngestFile(t.Context(), "policy/leave.md")
	if err != nil {
		t.Fatal(err)
	}
	metas, _ := h.store.ListMetadata(t.Context(), semantic.Filter{DocID: "policy/leave.md"})
	if out.Chunks == 0 || len(metas) != out.Chunks {
		t.Fatalf("outcome %+v, stored %d", out, len(metas))
	}
	if out.Title != "Leave" || metas[0].Title != "Leave" || metas[0].Category != domain.CategoryPolicy {
		t.Fatalf("meta = %+v", metas[0])
	}
	if metas[0].TotalChunks != out.Chunks {
		t.Fatalf("total_chunks = %d", metas[0].TotalChunks)
	}
	if h.catalog.saved["policy/leave.md"] != out.Chunks {
		t.Fatalf("catalog = %v", h.catalog.saved)
	}
	if v := testutil.ToFloat64(h.metrics.Docs.WithLabelValues("policy")); v != 1 {
		t.Fatalf("docs metric = %v", v)
	}
}

func TestReingestReplacesChunks(t *testing.T) {
	h := newHarness(t, map[string]string{"policy/a.md": strings.Repeat("x", 200)})
	if _, err := h.svc.IngestFile(t.Context(), "policy/a.md"); err != nil {
		t.Fatal(err)
	}
	doc, err := h.svc.Loader().Load("policy/a.md")
	if err != nil {
		t.Fatal(err)
	}
	doc.Text = "short now"
	out, err := h.svc.Ingest(t.Context(), doc)
	if err != nil {
		t.Fatal(err)
	}
	metas, _ := h.store.ListMetadata(t.Context(), semantic.Filter{})
	if out.Chunks != 1 || len(metas) != 1 {
		t.Fatalf("expected a single chunk after shrink, got %d stored", len(metas))
	}
}

func TestEmbedBatchesAndRetries(t *testing.T) {
	h := newHarness(t, nil)
	// 50/10 windows over 4090 runes gives 102 chunks: two batches.
	doc := domain.Document{ID: "policy/big.md", Category: domain.CategoryPolicy, Text: strings.Repeat("a", 4090)}
	h.emb.failures.Store(1)
	out, err := h.svc.Ingest(t.Context(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Chunks != 102 {
		t.Fatalf("chunks = %d", out.Chunks)
	}
	if n := h.emb.calls.Load(); n != 3 {
		t.Fatalf("embed calls = %d, want 3 (one retried)", n)
	}
}

func TestEmbedPermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.emb.err = errors.New("401 unauthorized")
	_, err := h.svc.Ingest(t.Context(), domain.Document{ID: "policy/a.md", Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v", err)
	}
	if h.emb.calls.Load() != 1 {
		t.Fatalf("calls = %d", h.emb.calls.Load())
	}
	if v := testutil.ToFloat64(h.metrics.Errors.WithLabelValues("embed")); v != 1 {
		t.Fatalf("embed errors = %v", v)
	}
	if metas, _ := h.store.ListMetadata(t.Context(), semantic.Filter{}); len(metas) != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	h := newHarness(t, nil)
	h.emb.short = true
	if _, err := h.svc.Ingest(t.Context(), domain.Document{ID: "policy/a.md", Text: "hello"}); err == nil {
		t.Fatal("expected vector count error")
	}
}

func TestValidateRejectsEmptyID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Ingest(t.Context(), domain.Document{ID: "  ", Text: "x"})
	if !errors.Is(err, domain.ErrEmptyDocID) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

func TestCatalogFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, map[string]string{"policy/a.md": "hello"})
	h.catalog.err = errors.New("neo4j down")
	if _, err := h.svc.IngestFile(t.Context(), "policy/a.md"); err != nil {
		t.Fatalf("catalog failure should be logged only: %v", err)
	}
}

func TestIngestDirCollectsFailures(t *testing.T) {
	h := newHarness(t, map[string]string{
		"policy/a.md":      "alpha",
		"handbook/b.txt":   "bravo",
		"product/c.md":     "charlie",
		"technical/bad.md": "",
	})
	// An empty document stores zero chunks; make one file fail instead.
	h.svc.deps.Store = failingStore{Store: h.store, failID: "product/c.md"}
	h.svc.pipeline = NewPipeline(h.svc.deps)

	rep, err := h.svc.IngestDir(t.Context(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Outcomes) != 3 || len(rep.Failures) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if !strings.HasSuffix(rep.Failures[0].Path, "c.md") {
		t.Fatalf("failure = %+v", rep.Failures[0])
	}
	if rep.Chunks() != 2 {
		t.Fatalf("chunks = %d", rep.Chunks())
	}
}

func TestIngestDirCanceled(t *testing.T) {
	h := newHarness(t, map[string]string{"policy/a.md": "alpha"})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := h.svc.IngestDir(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemove(t *testing.T) {
	h := newHarness(t, map[string]string{"policy/a.md": "alpha"})
	if _, err := h.svc.IngestFile(t.Context(), "policy/a.md"); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Remove(t.Context(), "policy/a.md"); err != nil {
		t.Fatal(err)
	}
	if metas, _ := h.store.ListMetadata(t.Context(), semantic.Filter{}); len(metas) != 0 {
		t.Fatalf("still stored: %v", metas)
	}
	if len(h.catalog.deleted) != 1 || h.catalog.deleted[0] != "policy/a.md" {
		t.Fatalf("catalog deletes = %v", h.catalog.deleted)
	}
}

type failingStore struct {
	semantic.Store
	failID string
}

func (s failingStore) Upsert(ctx context.Context, docID string, chunks []semantic.EmbeddedChunk) (int, error) {
	if docID == s.failID {
		return 0, errors.New("store unavailable")
	}
	return s.Store.Upsert(ctx, docID, chunks)
}

type flakyStore struct {
	semantic.Store
	failures int
	calls    int
}

func (s *flakyStore) Upsert(ctx context.Context, docID string, chunks []semantic.EmbeddedChunk) (int, error) {
	s.calls++
	if s.calls <= s.failures {
		return 0, domain.Transient(errors.New("503 service unavailable"))
	}
	return s.Store.Upsert(ctx, docID, chunks)
}

func TestStoreRetriesTransientFailure(t *testing.T) {
	mem := semantic.NewMemory(0)
	store := &flakyStore{Store: mem, failures: 2}
	cat := &fakeCatalog{}
	svc, err := NewService(mustLoader(t, t.TempDir()), Deps{
		Chunker:  mustChunker(t, 50, 10),
		Embedder: &fakeEmbedder{},
		Store:    store,
		Catalog:  cat,
		Retry:    fastRetry,
	})
	if err != nil {
		t.Fatal(err)
	}

	out, err := svc.Ingest(t.Context(), domain.Document{ID: "policy/a.md", Category: domain.CategoryPolicy, Text: "short"})
	if err != nil {
		t.Fatal(err)
	}
	if store.calls != 3 || out.Chunks != 1 {
		t.Fatalf("calls = %d, chunks = %d", store.calls, out.Chunks)
	}
	if len(cat.saved) != 1 {
		t.Fatalf("catalog saves = %d, want 1", len(cat.saved))
	}

	store.calls, store.failures = 0, 5
	if _, err := svc.Ingest(t.Context(), domain.Document{ID: "policy/b.md", Category: domain.CategoryPolicy, Text: "short"}); err == nil {
		t.Fatal("expected error after retries are exhausted")
	}
	if store.calls != fastRetry.MaxAttempts {
		t.Fatalf("calls = %d, want %d", store.calls, fastRetry.MaxAttempts)
	}
}
