package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
)

func embedded(docID string, idx int, vec ...float32) EmbeddedChunk {
	return EmbeddedChunk{
		Chunk: domain.Chunk{
			ID:   fmt.Sprintf("%s-%d", docID, idx),
			Text: fmt.Sprintf("text %s %d", docID, idx),
			Meta: domain.ChunkMeta{
				DocID:      docID,
				Title:      docID,
				Category:   domain.CategoryPolicy,
				SourceFile: docID,
				ChunkIndex: idx,
				IngestedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
		Vector: vec,
	}
}

func TestMemory_EmptyStoreReturnsNothing(t *testing.T) {
	m := NewMemory(3)
	got, err := m.Query(context.Background(), []float32{1, 0, 0}, 5, Filter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestMemory_QueryRanksByCosine(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	if _, err := m.Upsert(ctx, "a", []EmbeddedChunk{
		embedded("a", 0, 1, 0),
		embedded("a", 1, 0, 1),
		embedded("a", 2, 1, 1),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := m.Query(ctx, []float32{1, 0}, 2, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Chunk.Meta.ChunkIndex != 0 || got[1].Chunk.Meta.ChunkIndex != 2 {
		t.Fatalf("wrong order: %d, %d", got[0].Chunk.Meta.ChunkIndex, got[1].Chunk.Meta.ChunkIndex)
	}
	if got[0].Score < 0.999 {
		t.Fatalf("identical vector should score ~1, got %v", got[0].Score)
	}
}

func TestMemory_TiesBreakOnChunkIndex(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	m.Upsert(ctx, "b", []EmbeddedChunk{embedded("b", 0, 1, 0), embedded("b", 1, 1, 0)})
	m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 1, 0), embedded("a", 1, 1, 0)})

	got, _ := m.Query(ctx, []float32{1, 0}, 4, Filter{})
	want := []string{"a-0", "b-0", "a-1", "b-1"}
	for i, w := range want {
		if got[i].Chunk.ID != w {
			t.Fatalf("position %d: got %s want %s", i, got[i].Chunk.ID, w)
		}
	}
}

func TestMemory_UpsertReplacesDocument(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 1, 0), embedded("a", 1, 1, 0), embedded("a", 2, 1, 0)})
	n, err := m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 0, 1)})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	metas, _ := m.ListMetadata(ctx, Filter{DocID: "a"})
	if len(metas) != 1 {
		t.Fatalf("stale chunks survived: %d", len(metas))
	}
}

func TestMemory_DimensionMismatch(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()
	_, err := m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 1, 0)})
	if !errors.Is(err, domain.ErrDimensionMismatch) || !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected dimension mismatch config error, got %v", err)
	}

	m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 1, 0, 0)})
	if _, err := m.Query(ctx, []float32{1, 0}, 1, Filter{}); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected mismatch on query, got %v", err)
	}
}

func TestMemory_RejectsForeignChunks(t *testing.T) {
	m := NewMemory(0)
	_, err := m.Upsert(context.Background(), "a", []EmbeddedChunk{embedded("b", 0, 1)})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemory_InvalidTopK(t *testing.T) {
	m := NewMemory(0)
	if _, err := m.Query(context.Background(), []float32{1}, 0, Filter{}); !errors.Is(err, domain.ErrInvalidTopK) {
		t.Fatalf("expected invalid top_k, got %v", err)
	}
}

func TestMemory_FilterAndPagination(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	handbook := embedded("h", 0, 1, 0)
	handbook.Chunk.Meta.Category = domain.CategoryHandbook
	m.Upsert(ctx, "h", []EmbeddedChunk{handbook})
	m.Upsert(ctx, "p", []EmbeddedChunk{embedded("p", 0, 1, 0), embedded("p", 1, 1, 0), embedded("p", 2, 1, 0)})

	got, _ := m.Query(ctx, []float32{1, 0}, 10, Filter{Category: domain.CategoryHandbook})
	if len(got) != 1 || got[0].Chunk.Meta.DocID != "h" {
		t.Fatalf("category filter: %v", got)
	}

	page, _ := m.ListMetadata(ctx, Filter{DocID: "p", Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ChunkIndex != 1 {
		t.Fatalf("page = %+v", page)
	}
	if rest, _ := m.ListMetadata(ctx, Filter{Offset: 10}); rest != nil {
		t.Fatalf("offset past end should be empty, got %d", len(rest))
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	m.Upsert(ctx, "a", []EmbeddedChunk{embedded("a", 0, 1)})
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Fatalf("deleting unknown doc should be a no-op: %v", err)
	}
	st, _ := CollectStats(ctx, m)
	if st.Documents != 0 || st.Chunks != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemory_ConcurrentReadersSeeWholeDocuments(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	three := []EmbeddedChunk{embedded("a", 0, 1, 0), embedded("a", 1, 1, 0), embedded("a", 2, 1, 0)}
	one := []EmbeddedChunk{embedded("a", 0, 1, 0)}
	m.Upsert(ctx, "a", three)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				m.Upsert(ctx, "a", one)
			} else {
				m.Upsert(ctx, "a", three)
			}
		}
	}()
	errs := make(chan int, 200)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			got, _ := m.Query(ctx, []float32{1, 0}, 10, Filter{})
			if len(got) != 1 && len(got) != 3 {
				errs <- len(got)
			}
		}
	}()
	wg.Wait()
	close(errs)
	for n := range errs {
		t.Fatalf("reader saw a partial document with %d chunks", n)
	}
}

func TestCollectStats(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()
	late := embedded("b", 0, 1)
	late.Chunk.Meta.IngestedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	late.Chunk.Meta.Category = domain.CategoryHandbook
	late.Chunk.Meta.Length = 40
	a0, a1 := embedded("a", 0, 1), embedded("a", 1, 1)
	a0.Chunk.Meta.Length, a1.Chunk.Meta.Length = 100, 60
	m.Upsert(ctx, "a", []EmbeddedChunk{a0, a1})
	m.Upsert(ctx, "b", []EmbeddedChunk{late})

	st, err := CollectStats(ctx, m)
	if err != nil {
		t.Fatal(err)
	}
	if st.Documents != 2 || st.Chunks != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if !st.LastUpdated.Equal(late.Chunk.Meta.IngestedAt) {
		t.Fatalf("last updated = %v", st.LastUpdated)
	}
	if st.Categories[domain.CategoryPolicy] != 2 || st.Categories[domain.CategoryHandbook] != 1 {
		t.Fatalf("categories = %v", st.Categories)
	}
	if st.Files["a"] != 2 || st.Files["b"] != 1 {
		t.Fatalf("files = %v", st.Files)
	}
	if st.AvgChunkSize != 66.7 {
		t.Fatalf("avg chunk size = %v", st.AvgChunkSize)
	}
}

func TestCollectStatsEmpty(t *testing.T) {
	st, err := CollectStats(context.Background(), NewMemory(0))
	if err != nil {
		t.Fatal(err)
	}
	if st.Chunks != 0 || st.AvgChunkSize != 0 || st.Categories == nil || st.Files == nil {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	c := embedded("policy/leave.md", 3, 1).Chunk
	c.Meta.TotalChunks = 7
	c.Meta.OverlapSize = 100
	c.Meta.Offset = 1200
	c.Meta.Length = 480
	c.Meta.FileType = domain.FileTypeMarkdown
	c.Meta.Extra = map[string]string{"author": "ops"}

	got := chunkFromPayload(c.ID, payload(c))
	if got.Text != c.Text || got.Meta.DocID != c.Meta.DocID || got.Meta.ChunkIndex != 3 {
		t.Fatalf("core fields lost: %+v", got)
	}
	if got.Meta.TotalChunks != 7 || got.Meta.OverlapSize != 100 || got.Meta.Offset != 1200 || got.Meta.Length != 480 {
		t.Fatalf("counters lost: %+v", got.Meta)
	}
	if !got.Meta.IngestedAt.Equal(c.Meta.IngestedAt) {
		t.Fatalf("ingested_at = %v", got.Meta.IngestedAt)
	}
	if got.Meta.Extra["author"] != "ops" {
		t.Fatalf("extra = %v", got.Meta.Extra)
	}

	unknown := chunkFromPayload("x", map[string]any{"chunk_index": float64(2), "source": "legacy"})
	if unknown.Meta.ChunkIndex != 2 || unknown.Meta.Extra["source"] != "legacy" {
		t.Fatalf("unknown keys should land in Extra: %+v", unknown.Meta)
	}
}
