package semantic

import (
	"context"
	"sync"

	"github.com/WessleyAI/docchat/engine/domain"
)

type memEntry struct {
	chunk domain.Chunk
	vec   []float32
	norm  float64
}

// Memory is an in-process Store. A document's chunks are swapped under one
// write lock, so readers see either the old or the new set.
type Memory struct {
	mu   sync.RWMutex
	dims int
	docs map[string][]memEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store. dims 0 adopts the dimension of the first
// write.
func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, docs: make(map[string][]memEntry)}
}

func (m *Memory) Upsert(_ context.Context, docID string, chunks []EmbeddedChunk) (int, error) {
	m.mu.RLock()
	dims := m.dims
	m.mu.RUnlock()
	if err := checkUpsert(docID, chunks, dims); err != nil {
		return 0, err
	}

	entries := make([]memEntry, len(chunks))
	for i, c := range chunks {
		vec := append([]float32(nil), c.Vector...)
		entries[i] = memEntry{chunk: c.Chunk, vec: vec, norm: norm(vec)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(entries) > 0 {
		if m.dims == 0 {
			m.dims = len(entries[0].vec)
		} else if err := checkDims(len(entries[0].vec), m.dims); err != nil {
			return 0, err
		}
	}
	if len(entries) == 0 {
		delete(m.docs, docID)
		return 0, nil
	}
	m.docs[docID] = entries
	return len(entries), nil
}

func (m *Memory) Query(_ context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	if err := domain.ValidateTopK(topK); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.docs) == 0 {
		return nil, nil
	}
	if err := checkDims(len(vec), m.dims); err != nil {
		return nil, err
	}

	var out []Match
	for _, entries := range m.docs {
		for _, e := range entries {
			if !f.matches(e.chunk.Meta) {
				continue
			}
			out = append(out, Match{Chunk: e.chunk, Score: cosine(vec, e.vec, e.norm)})
		}
	}
	SortMatches(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *Memory) ListMetadata(_ context.Context, f Filter) ([]domain.ChunkMeta, error) {
	m.mu.RLock()
	var metas []domain.ChunkMeta
	for _, entries := range m.docs {
		for _, e := range entries {
			if f.matches(e.chunk.Meta) {
				metas = append(metas, e.chunk.Meta)
			}
		}
	}
	m.mu.RUnlock()

	sortMetas(metas)
	return paginate(metas, f.Offset, f.Limit), nil
}

func (m *Memory) Delete(_ context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	return nil
}
