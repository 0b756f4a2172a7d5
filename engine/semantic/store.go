// Package semantic owns chunk persistence and similarity search. Backends:
// an in-process Memory store, Qdrant over gRPC, and Chroma over HTTP.
package semantic

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
)

// EmbeddedChunk is a chunk ready to be written.
type EmbeddedChunk struct {
	Chunk  domain.Chunk
	Vector []float32
}

// Match is a retrieved chunk and its similarity to the query. Higher is
// more relevant.
type Match struct {
	Chunk domain.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

// Filter narrows queries and listings. Zero values match everything.
type Filter struct {
	Category   domain.Category
	SourceFile string
	DocID      string
	Offset     int
	Limit      int
}

func (f Filter) matches(m domain.ChunkMeta) bool {
	if f.Category != "" && m.Category != f.Category {
		return false
	}
	if f.SourceFile != "" && m.SourceFile != f.SourceFile {
		return false
	}
	if f.DocID != "" && m.DocID != f.DocID {
		return false
	}
	return true
}

// Store is the vector store contract.
type Store interface {
	// Upsert replaces every stored chunk of docID and returns the count written.
	Upsert(ctx context.Context, docID string, chunks []EmbeddedChunk) (int, error)
	// Query returns at most topK matches by descending score. An empty store
	// yields no matches and no error.
	Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error)
	// ListMetadata returns chunk metadata ordered by source file then index.
	ListMetadata(ctx context.Context, f Filter) ([]domain.ChunkMeta, error)
	// Delete removes every chunk of docID.
	Delete(ctx context.Context, docID string) error
}

// SortMatches orders by descending score; ties go to the lowest chunk index,
// then the earliest document id.
func SortMatches(ms []Match) {
	slices.SortStableFunc(ms, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Chunk.Meta.ChunkIndex, b.Chunk.Meta.ChunkIndex); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.Meta.DocID, b.Chunk.Meta.DocID)
	})
}

// latestMatches drops matches whose document has a newer ingested_at among ms.
// Remote stores rewrite a document point by point, so a reader racing a
// re-ingest can otherwise get chunks of two versions.
func latestMatches(ms []Match) []Match {
	newest := make(map[string]time.Time, len(ms))
	for _, m := range ms {
		if at := m.Chunk.Meta.IngestedAt; at.After(newest[m.Chunk.Meta.DocID]) {
			newest[m.Chunk.Meta.DocID] = at
		}
	}
	return slices.DeleteFunc(ms, func(m Match) bool {
		return m.Chunk.Meta.IngestedAt.Before(newest[m.Chunk.Meta.DocID])
	})
}

// latestMetas is latestMatches for metadata listings.
func latestMetas(metas []domain.ChunkMeta) []domain.ChunkMeta {
	newest := make(map[string]time.Time, len(metas))
	for _, m := range metas {
		if m.IngestedAt.After(newest[m.DocID]) {
			newest[m.DocID] = m.IngestedAt
		}
	}
	return slices.DeleteFunc(metas, func(m domain.ChunkMeta) bool {
		return m.IngestedAt.Before(newest[m.DocID])
	})
}

func sortMetas(metas []domain.ChunkMeta) {
	slices.SortFunc(metas, func(a, b domain.ChunkMeta) int {
		if c := cmp.Compare(a.DocID, b.DocID); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkIndex, b.ChunkIndex)
	})
}

func paginate(metas []domain.ChunkMeta, offset, limit int) []domain.ChunkMeta {
	if offset >= len(metas) {
		return nil
	}
	metas = metas[max(offset, 0):]
	if limit > 0 && limit < len(metas) {
		metas = metas[:limit]
	}
	return metas
}

// checkUpsert rejects chunks that belong to another document or whose vectors
// do not match dims (0 means any dimension).
func checkUpsert(docID string, chunks []EmbeddedChunk, dims int) error {
	if docID == "" {
		return domain.NewValidationError("doc_id", docID, domain.ErrEmptyDocID)
	}
	for i, c := range chunks {
		if c.Chunk.Meta.DocID != docID {
			return domain.NewValidationError("doc_id", c.Chunk.Meta.DocID, fmt.Errorf("%w: chunk %d", domain.ErrForeignChunk, i))
		}
		if dims == 0 {
			dims = len(c.Vector)
		}
		if err := checkDims(len(c.Vector), dims); err != nil {
			return err
		}
	}
	return nil
}

func checkDims(got, want int) error {
	if got == 0 || (want != 0 && got != want) {
		return domain.NewConfigError("embedding_dims", fmt.Errorf("%w: got %d, store has %d", domain.ErrDimensionMismatch, got, want))
	}
	return nil
}

func cosine(a, b []float32, normB float64) float64 {
	var dot, normA float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * normB)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Stats summarises what is indexed. Categories and Files count chunks.
type Stats struct {
	Documents    int                     `json:"documents"`
	Chunks       int                     `json:"chunks"`
	LastUpdated  time.Time               `json:"last_updated"`
	Categories   map[domain.Category]int `json:"categories"`
	Files        map[string]int          `json:"files"`
	AvgChunkSize float64                 `json:"avg_chunk_size"`
}

// CollectStats walks the store's metadata.
func CollectStats(ctx context.Context, s Store) (Stats, error) {
	metas, err := s.ListMetadata(ctx, Filter{})
	if err != nil {
		return Stats{}, fmt.Errorf("semantic: stats: %w", err)
	}
	st := Stats{
		Categories: make(map[domain.Category]int),
		Files:      make(map[string]int),
	}
	docs := make(map[string]struct{})
	var runes int
	for _, m := range metas {
		docs[m.DocID] = struct{}{}
		st.Categories[m.Category]++
		st.Files[m.SourceFile]++
		runes += m.Length
		if m.IngestedAt.After(st.LastUpdated) {
			st.LastUpdated = m.IngestedAt
		}
	}
	st.Documents = len(docs)
	st.Chunks = len(metas)
	if st.Chunks > 0 {
		st.AvgChunkSize = math.Round(float64(runes)/float64(st.Chunks)*10) / 10
	}
	return st, nil
}

// payload is the flat representation shared by the remote backends.
func payload(c domain.Chunk) map[string]any {
	p := map[string]any{
		"content":      c.Text,
		"doc_id":       c.Meta.DocID,
		"title":        c.Meta.Title,
		"category":     string(c.Meta.Category),
		"source_file":  c.Meta.SourceFile,
		"file_type":    string(c.Meta.FileType),
		"chunk_index":  c.Meta.ChunkIndex,
		"total_chunks": c.Meta.TotalChunks,
		"overlap_size": c.Meta.OverlapSize,
		"offset":       c.Meta.Offset,
		"length":       c.Meta.Length,
		"ingested_at":  c.Meta.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range c.Meta.Extra {
		p["x_"+k] = v
	}
	return p
}

// chunkFromPayload is the inverse of payload. Unknown keys land in Extra.
func chunkFromPayload(id string, p map[string]any) domain.Chunk {
	c := domain.Chunk{ID: id}
	for k, v := range p {
		switch k {
		case "content":
			c.Text = asString(v)
		case "doc_id":
			c.Meta.DocID = asString(v)
		case "title":
			c.Meta.Title = asString(v)
		case "category":
			c.Meta.Category = domain.Category(asString(v))
		case "source_file":
			c.Meta.SourceFile = asString(v)
		case "file_type":
			c.Meta.FileType = domain.FileType(asString(v))
		case "chunk_index":
			c.Meta.ChunkIndex = asInt(v)
		case "total_chunks":
			c.Meta.TotalChunks = asInt(v)
		case "overlap_size":
			c.Meta.OverlapSize = asInt(v)
		case "offset":
			c.Meta.Offset = asInt(v)
		case "length":
			c.Meta.Length = asInt(v)
		case "ingested_at":
			c.Meta.IngestedAt, _ = time.Parse(time.RFC3339Nano, asString(v))
		default:
			if c.Meta.Extra == nil {
				c.Meta.Extra = make(map[string]string)
			}
			name := k
			if len(k) > 2 && k[:2] == "x_" {
				name = k[2:]
			}
			c.Meta.Extra[name] = asString(v)
		}
	}
	return c
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}
