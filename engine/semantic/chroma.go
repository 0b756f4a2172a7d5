package semantic

import (
	"context"
	"encoding/json"
	"fmt"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Chroma stores chunks in a Chroma collection over HTTP. Like Qdrant, Upsert
// overwrites chunks by id and then trims the stale tail; readers keep only the
// newest version of each document.
type Chroma struct {
	client     chromago.Client
	collection chromago.Collection
	dims       int
}

var _ Store = (*Chroma)(nil)

// NewChroma connects to baseURL and gets or creates a cosine collection.
func NewChroma(ctx context.Context, baseURL, collection string, dims int) (*Chroma, error) {
	client, err := chromago.NewHTTPClient(chromago.WithBaseURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("semantic: chroma client %s: %w", baseURL, err)
	}
	coll, err := client.GetOrCreateCollection(ctx, collection,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("hnsw:space", "cosine"),
				chromago.NewStringAttribute("created_by", "docchat"),
			),
		),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("semantic: get or create collection %s: %w", collection, err)
	}
	ch := NewChromaWithCollection(coll, dims)
	ch.client = client
	return ch, nil
}

// NewChromaWithCollection builds a store over an existing collection.
func NewChromaWithCollection(coll chromago.Collection, dims int) *Chroma {
	return &Chroma{collection: coll, dims: dims}
}

func (c *Chroma) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *Chroma) Upsert(ctx context.Context, docID string, chunks []EmbeddedChunk) (int, error) {
	if err := checkUpsert(docID, chunks, c.dims); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, c.Delete(ctx, docID)
	}

	ids := make([]chromago.DocumentID, len(chunks))
	texts := make([]string, len(chunks))
	embs := make([]embeddings.Embedding, len(chunks))
	metas := make([]chromago.DocumentMetadata, len(chunks))
	for i, ch := range chunks {
		ids[i] = chromago.DocumentID(ch.Chunk.ID)
		texts[i] = ch.Chunk.Text
		embs[i] = embeddings.NewEmbeddingFromFloat32(ch.Vector)
		metas[i] = chromaMetadata(ch.Chunk)
	}

	if err := c.collection.Upsert(ctx,
		chromago.WithIDs(ids...),
		chromago.WithTexts(texts...),
		chromago.WithEmbeddings(embs...),
		chromago.WithMetadatas(metas...),
	); err != nil {
		return 0, fmt.Errorf("semantic: chroma upsert %d chunks of %s: %w", len(chunks), docID, err)
	}

	tail := chromago.And(chromago.EqString("doc_id", docID), chromago.GteInt("chunk_index", len(chunks)))
	if err := c.collection.Delete(ctx, chromago.WithWhereDelete(tail)); err != nil {
		return 0, fmt.Errorf("semantic: trim stale chunks of %s: %w", docID, err)
	}
	return len(chunks), nil
}

func (c *Chroma) Delete(ctx context.Context, docID string) error {
	if err := c.collection.Delete(ctx, chromago.WithWhereDelete(chromago.EqString("doc_id", docID))); err != nil {
		return fmt.Errorf("semantic: chroma delete %s: %w", docID, err)
	}
	return nil
}

func (c *Chroma) Query(ctx context.Context, vec []float32, topK int, f Filter) ([]Match, error) {
	if err := domain.ValidateTopK(topK); err != nil {
		return nil, err
	}
	if err := checkDims(len(vec), c.dims); err != nil {
		return nil, err
	}

	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(vec)),
		chromago.WithNResults(topK),
	}
	if where := chromaWhere(f); where != nil {
		opts = append(opts, chromago.WithWhereQuery(where))
	}
	res, err := c.collection.Query(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("semantic: chroma query: %w", err)
	}

	idGroups := res.GetIDGroups()
	docGroups := res.GetDocumentsGroups()
	metaGroups := res.GetMetadatasGroups()
	distGroups := res.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	matches := make([]Match, 0, len(idGroups[0]))
	for i, id := range idGroups[0] {
		var p map[string]any
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			p = metadataMap(metaGroups[0][i])
		}
		ch := chunkFromPayload(string(id), p)
		if len(docGroups) > 0 && i < len(docGroups[0]) && docGroups[0][i] != nil {
			ch.Text = docGroups[0][i].ContentString()
		}
		var dist float64
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			dist = float64(distGroups[0][i])
		}
		matches = append(matches, Match{Chunk: ch, Score: 1 - dist})
	}
	matches = latestMatches(matches)
	SortMatches(matches)
	return matches, nil
}

func (c *Chroma) ListMetadata(ctx context.Context, f Filter) ([]domain.ChunkMeta, error) {
	res, err := c.collection.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: chroma get: %w", err)
	}
	ids := res.GetIDs()
	var metas []domain.ChunkMeta
	for i, m := range res.GetMetadatas() {
		if i >= len(ids) {
			break
		}
		meta := chunkFromPayload(string(ids[i]), metadataMap(m)).Meta
		if f.matches(meta) {
			metas = append(metas, meta)
		}
	}
	metas = latestMetas(metas)
	sortMetas(metas)
	return paginate(metas, f.Offset, f.Limit), nil
}

func chromaMetadata(ch domain.Chunk) chromago.DocumentMetadata {
	var attrs []*chromago.MetaAttribute
	for k, v := range payload(ch) {
		switch tv := v.(type) {
		case int:
			attrs = append(attrs, chromago.NewIntAttribute(k, int64(tv)))
		case string:
			if k == "content" {
				continue
			}
			attrs = append(attrs, chromago.NewStringAttribute(k, tv))
		}
	}
	return chromago.NewDocumentMetadata(attrs...)
}

func chromaWhere(f Filter) chromago.WhereFilter {
	var clauses []chromago.WhereClause
	if f.Category != "" {
		clauses = append(clauses, chromago.EqString("category", string(f.Category)))
	}
	if f.SourceFile != "" {
		clauses = append(clauses, chromago.EqString("source_file", f.SourceFile))
	}
	if f.DocID != "" {
		clauses = append(clauses, chromago.EqString("doc_id", f.DocID))
	}
	switch len(clauses) {
	case 0:
		return nil
	case 1:
		return clauses[0]
	default:
		return chromago.And(clauses...)
	}
}

// metadataMap flattens Chroma metadata through JSON; the client exposes no
// map accessor.
func metadataMap(m chromago.DocumentMetadata) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
