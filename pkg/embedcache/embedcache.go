// Package embedcache memoises embeddings in Redis so repeated queries and
// unchanged chunks are not re-embedded.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/WessleyAI/docchat/pkg/llm"
)

// Store is the key/value surface the cache needs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// RedisStore adapts a go-redis client to Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr (host:port) and pings it.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("embedcache: ping redis %s: %w", addr, err)
	}
	return &RedisStore{client: rdb}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, val, ttl).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Embedder wraps an llm.Embedder with a cache. Cache failures are logged and
// the call falls through to the wrapped embedder.
type Embedder struct {
	next   llm.Embedder
	store  Store
	model  string
	ttl    time.Duration
	logger *slog.Logger
}

var _ llm.Embedder = (*Embedder)(nil)

// New wraps next. model namespaces the keys so a model change never serves
// vectors from another embedding space.
func New(next llm.Embedder, store Store, model string, ttl time.Duration, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{next: next, store: store, model: model, ttl: ttl, logger: logger}
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.model + "\x00" + text))
	return "docchat:emb:" + hex.EncodeToString(sum[:])
}

// Embed returns a cached vector or computes and stores it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.lookup(ctx, text); ok {
		return v, nil
	}
	v, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.save(ctx, text, v)
	return v, nil
}

// EmbedBatch serves hits from the cache and embeds the misses in one call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := e.lookup(ctx, t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := e.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		e.save(ctx, missTexts[j], vecs[j])
	}
	return out, nil
}

func (e *Embedder) lookup(ctx context.Context, text string) ([]float32, bool) {
	b, ok, err := e.store.Get(ctx, e.key(text))
	if err != nil {
		e.logger.Warn("embedcache: get failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	v, err := decode(b)
	if err != nil {
		e.logger.Warn("embedcache: corrupt entry", "err", err)
		return nil, false
	}
	return v, true
}

func (e *Embedder) save(ctx context.Context, text string, v []float32) {
	if err := e.store.Set(ctx, e.key(text), encode(v), e.ttl); err != nil {
		e.logger.Warn("embedcache: set failed", "err", err)
	}
}

func encode(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decode(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("bad vector length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
