package costs

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Store persists cost records. Insert must reject a duplicate request id
// rather than overwrite it.
type Store interface {
	Insert(ctx context.Context, rec CostRecord) error
	// Range returns records with from <= Timestamp < to, oldest first.
	Range(ctx context.Context, from, to time.Time) ([]CostRecord, error)
	Close() error
}

// MemoryStore keeps records in process. Records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records []CostRecord
	ids     map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (m *MemoryStore) Insert(_ context.Context, rec CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[rec.RequestID]; dup {
		return domain.NewPersistenceError("insert cost record", fmt.Errorf("%w: %s", domain.ErrDuplicateRecord, rec.RequestID))
	}
	m.ids[rec.RequestID] = struct{}{}
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) Range(_ context.Context, from, to time.Time) ([]CostRecord, error) {
	m.mu.Lock()
	var out []CostRecord
	for _, r := range m.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	m.mu.Unlock()
	slices.SortStableFunc(out, func(a, b CostRecord) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
