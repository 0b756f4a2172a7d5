package embedcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *memStore) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = val
	return nil
}

type countingEmbedder struct {
	calls int
	texts []string
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls++
	c.texts = append(c.texts, text)
	return []float32{float32(len(text)), 0.5}, nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	c.texts = append(c.texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 0.5}
	}
	return out, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEmbedHitsCache(t *testing.T) {
	next := &countingEmbedder{}
	e := New(next, newMemStore(), "nomic", time.Hour, quiet())

	for i := 0; i < 3; i++ {
		v, err := e.Embed(context.Background(), "refund policy")
		if err != nil || v[0] != 13 {
			t.Fatalf("Embed = %v, %v", v, err)
		}
	}
	if next.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", next.calls)
	}
}

func TestEmbedBatchOnlyMisses(t *testing.T) {
	next := &countingEmbedder{}
	e := New(next, newMemStore(), "nomic", time.Hour, quiet())
	_, _ = e.Embed(context.Background(), "a")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 || vecs[2][0] != 3 {
		t.Fatalf("order not preserved: %v", vecs)
	}
	if len(next.texts) != 3 || next.texts[1] != "bb" || next.texts[2] != "ccc" {
		t.Fatalf("upstream saw %v", next.texts)
	}
}

func TestModelNamespacesKeys(t *testing.T) {
	store := newMemStore()
	next := &countingEmbedder{}
	_, _ = New(next, store, "model-a", 0, quiet()).Embed(context.Background(), "x")
	_, _ = New(next, store, "model-b", 0, quiet()).Embed(context.Background(), "x")
	if next.calls != 2 {
		t.Fatalf("different models must not share entries, calls=%d", next.calls)
	}
}

func TestStoreFailureFallsThrough(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("redis down")
	next := &countingEmbedder{}
	v, err := New(next, store, "m", 0, quiet()).Embed(context.Background(), "abc")
	if err != nil || v[0] != 3 {
		t.Fatalf("expected fallthrough, got %v, %v", v, err)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := []float32{0, -1.5, 3.25}
	out, err := decode(encode(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("index %d: %v != %v", i, in[i], out[i])
		}
	}
	if _, err := decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for bad length")
	}
}
