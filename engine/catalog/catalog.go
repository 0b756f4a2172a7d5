// Package catalog keeps a browsable graph of ingested documents in Neo4j:
//
//	(:Category {name})-[:CONTAINS]->(:Document {id, title, category, file_type, chunks, ingested_at})
//
// The vector store remains the source of truth for retrieval; the catalog
// answers "what is in the corpus" without scanning vectors.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/repo"
)

// Entry is one catalogued document.
type Entry struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Category   domain.Category `json:"category"`
	FileType   domain.FileType `json:"file_type"`
	Chunks     int             `json:"chunks"`
	IngestedAt time.Time       `json:"ingested_at"`
}

// CategoryStats summarizes one category node.
type CategoryStats struct {
	Name      domain.Category `json:"name"`
	Documents int64           `json:"documents"`
	Chunks    int64           `json:"chunks"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Category domain.Category
	Offset   int
	Limit    int
}

// Catalog is the Neo4j-backed document catalog.
type Catalog struct {
	opener repo.SessionOpener
	docs   *repo.Neo4jRepo[Entry, string]
	logger *slog.Logger
}

// New creates a Catalog on a driver.
func New(driver neo4j.DriverWithContext, logger *slog.Logger) *Catalog {
	return NewWithOpener(repo.DriverOpener{Driver: driver}, logger)
}

// NewWithOpener creates a Catalog with a custom session opener.
func NewWithOpener(opener repo.SessionOpener, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		opener: opener,
		docs:   repo.NewNeo4jRepo[Entry, string](opener, "Document", entryToMap, entryFromRecord),
		logger: logger,
	}
}

// EnsureSchema creates the uniqueness constraints the catalog relies on.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	sess := c.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	for _, cypher := range []string{
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT category_name IF NOT EXISTS FOR (c:Category) REQUIRE c.name IS UNIQUE`,
	} {
		if _, err := sess.Run(ctx, cypher, nil); err != nil {
			return domain.NewPersistenceError("catalog schema", err)
		}
	}
	return nil
}

// Save upserts the document node and links it to its category. A document
// that moved category is unlinked from the old one in the same transaction.
func (c *Catalog) Save(ctx context.Context, doc domain.Document, chunks int) error {
	if doc.ID == "" {
		return domain.NewValidationError("doc_id", "", domain.ErrEmptyDocID)
	}
	e := Entry{
		ID:         doc.ID,
		Title:      doc.Title,
		Category:   doc.Category,
		FileType:   doc.FileType,
		Chunks:     chunks,
		IngestedAt: doc.IngestedAt,
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}

	sess := c.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx repo.CypherRunner) (any, error) {
		cypher := `MERGE (d:Document {id: $id})
			SET d += $props
			WITH d
			OPTIONAL MATCH (old:Category)-[r:CONTAINS]->(d)
			WHERE old.name <> $category
			DELETE r
			WITH DISTINCT d
			MERGE (c:Category {name: $category})
			MERGE (c)-[:CONTAINS]->(d)`
		return tx.Run(ctx, cypher, map[string]any{
			"id":       e.ID,
			"category": string(e.Category),
			"props":    entryToMap(e),
		})
	})
	if err != nil {
		return domain.NewPersistenceError("catalog save", err)
	}
	c.logger.Debug("catalog: saved", "doc_id", e.ID, "category", e.Category, "chunks", chunks)
	return nil
}

// Delete removes the document node. Deleting an unknown id is a no-op.
func (c *Catalog) Delete(ctx context.Context, docID string) error {
	if docID == "" {
		return domain.NewValidationError("doc_id", "", domain.ErrEmptyDocID)
	}
	if err := c.docs.Delete(ctx, docID); err != nil {
		return domain.NewPersistenceError("catalog delete", err)
	}
	return nil
}

// Get returns one entry or an error wrapping domain.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, docID string) (Entry, error) {
	e, err := c.docs.Get(ctx, docID)
	switch {
	case err == nil:
		return e, nil
	case errors.Is(err, repo.ErrNotFound):
		return Entry{}, fmt.Errorf("catalog: document %q: %w", docID, domain.ErrNotFound)
	default:
		return Entry{}, domain.NewPersistenceError("catalog get", err)
	}
}

// List returns entries ordered by id.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Entry, error) {
	opts := repo.ListOpts{Offset: f.Offset, Limit: f.Limit}
	if f.Category != "" {
		opts.Filter = map[string]any{"category": string(f.Category)}
	}
	entries, err := c.docs.List(ctx, opts)
	if err != nil {
		return nil, domain.NewPersistenceError("catalog list", err)
	}
	return entries, nil
}

// Categories returns per-category document and chunk totals, largest first.
func (c *Catalog) Categories(ctx context.Context) ([]CategoryStats, error) {
	sess := c.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (c:Category)
		OPTIONAL MATCH (c)-[:CONTAINS]->(d:Document)
		RETURN c.name AS name, count(d) AS documents, coalesce(sum(d.chunks), 0) AS chunks
		ORDER BY documents DESC, name`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, domain.NewPersistenceError("catalog categories", err)
	}
	var out []CategoryStats
	for result.Next(ctx) {
		rec := result.Record()
		name, _ := rec.Get("name")
		docs, _ := rec.Get("documents")
		chunks, _ := rec.Get("chunks")
		s := CategoryStats{Documents: toInt64(docs), Chunks: toInt64(chunks)}
		if n, ok := name.(string); ok {
			s.Name = domain.Category(n)
		}
		out = append(out, s)
	}
	return out, nil
}

func entryToMap(e Entry) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"title":       e.Title,
		"category":    string(e.Category),
		"file_type":   string(e.FileType),
		"chunks":      int64(e.Chunks),
		"ingested_at": e.IngestedAt.UTC(),
	}
}

func entryFromRecord(rec *neo4j.Record) (Entry, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Entry{}, err
	}
	return entryFromProps(node.Props), nil
}

func entryFromProps(props map[string]any) Entry {
	e := Entry{
		ID:       strProp(props, "id"),
		Title:    strProp(props, "title"),
		Category: domain.Category(strProp(props, "category")),
		FileType: domain.FileType(strProp(props, "file_type")),
		Chunks:   int(toInt64(props["chunks"])),
	}
	switch v := props["ingested_at"].(type) {
	case time.Time:
		e.IngestedAt = v.UTC()
	case string:
		e.IngestedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return e
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
