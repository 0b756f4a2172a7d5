package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/pkg/repo"
)

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func newMockResult(recs ...*neo4j.Record) *mockResult { return &mockResult{records: recs} }

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

// trackingSession records every statement and whether it ran in a write
// transaction.
type trackingSession struct {
	queries []string
	params  []map[string]any
	inTx    []bool
	result  *mockResult
	err     error
	tx      bool
}

func (s *trackingSession) Run(_ context.Context, cypher string, params map[string]any) (repo.CypherResult, error) {
	s.queries = append(s.queries, cypher)
	s.params = append(s.params, params)
	s.inTx = append(s.inTx, s.tx)
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return newMockResult(), nil
	}
	return s.result, nil
}

func (s *trackingSession) ExecuteWrite(_ context.Context, work func(tx repo.CypherRunner) (any, error)) (any, error) {
	s.tx = true
	defer func() { s.tx = false }()
	return work(s)
}

func (s *trackingSession) Close(context.Context) error { return nil }

type trackingOpener struct{ session *trackingSession }

func (o *trackingOpener) OpenSession(context.Context) repo.CypherSession { return o.session }

func newTestCatalog(s *trackingSession) *Catalog {
	return NewWithOpener(&trackingOpener{session: s}, nil)
}

func makeNodeRecord(props map[string]any) *neo4j.Record {
	return &neo4j.Record{
		Keys:   []string{"n"},
		Values: []any{dbtype.Node{Labels: []string{"Document"}, Props: props}},
	}
}

func TestSave_MergesDocumentAndCategory(t *testing.T) {
	s := &trackingSession{}
	c := newTestCatalog(s)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := domain.Document{
		ID:         "policy/leave.md",
		Title:      "Leave Policy",
		Category:   domain.CategoryPolicy,
		FileType:   domain.FileTypeMarkdown,
		IngestedAt: at,
	}
	if err := c.Save(context.Background(), doc, 12); err != nil {
		t.Fatal(err)
	}
	if len(s.queries) != 1 || !s.inTx[0] {
		t.Fatalf("expected one statement inside a write transaction, got %d", len(s.queries))
	}
	q := s.queries[0]
	for _, want := range []string{"MERGE (d:Document {id: $id})", "MERGE (c:Category {name: $category})", "MERGE (c)-[:CONTAINS]->(d)", "DELETE r"} {
		if !strings.Contains(q, want) {
			t.Errorf("cypher missing %q", want)
		}
	}
	p := s.params[0]
	props := p["props"].(map[string]any)
	if p["id"] != "policy/leave.md" || p["category"] != "policy" {
		t.Fatalf("params = %v", p)
	}
	if props["title"] != "Leave Policy" || props["chunks"] != int64(12) || props["file_type"] != "markdown" || props["ingested_at"] != at {
		t.Fatalf("props = %v", props)
	}
}

func TestSave_Errors(t *testing.T) {
	c := newTestCatalog(&trackingSession{})
	if err := c.Save(context.Background(), domain.Document{}, 1); !errors.Is(err, domain.ErrEmptyDocID) {
		t.Fatalf("expected ErrEmptyDocID, got %v", err)
	}

	c = newTestCatalog(&trackingSession{err: errors.New("neo4j down")})
	err := c.Save(context.Background(), domain.Document{ID: "a/b.md", Category: "a"}, 1)
	if domain.KindOf(err) != domain.KindPersistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestSave_DefaultsIngestedAt(t *testing.T) {
	s := &trackingSession{}
	if err := newTestCatalog(s).Save(context.Background(), domain.Document{ID: "a/b.md", Category: "a"}, 0); err != nil {
		t.Fatal(err)
	}
	at := s.params[0]["props"].(map[string]any)["ingested_at"].(time.Time)
	if time.Since(at) > time.Minute {
		t.Fatalf("ingested_at = %v", at)
	}
}

func TestDelete(t *testing.T) {
	s := &trackingSession{}
	c := newTestCatalog(s)
	if err := c.Delete(context.Background(), "policy/leave.md"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.queries[0], "MATCH (n:Document {id: $id}) DETACH DELETE n") {
		t.Fatalf("cypher = %s", s.queries[0])
	}
	if err := c.Delete(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGet(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &trackingSession{result: newMockResult(makeNodeRecord(map[string]any{
		"id":          "handbook/onboarding.md",
		"title":       "Onboarding",
		"category":    "handbook",
		"file_type":   "markdown",
		"chunks":      int64(4),
		"ingested_at": at,
	}))}
	e, err := newTestCatalog(s).Get(context.Background(), "handbook/onboarding.md")
	if err != nil {
		t.Fatal(err)
	}
	want := Entry{ID: "handbook/onboarding.md", Title: "Onboarding", Category: domain.CategoryHandbook, FileType: domain.FileTypeMarkdown, Chunks: 4, IngestedAt: at}
	if e != want {
		t.Fatalf("got %+v, want %+v", e, want)
	}

	_, err = newTestCatalog(&trackingSession{}).Get(context.Background(), "missing.md")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList_FiltersByCategory(t *testing.T) {
	s := &trackingSession{result: newMockResult(
		makeNodeRecord(map[string]any{"id": "policy/a.md", "category": "policy", "chunks": int64(1)}),
		makeNodeRecord(map[string]any{"id": "policy/b.md", "category": "policy", "chunks": int64(2), "ingested_at": "2024-03-01T12:00:00Z"}),
	)}
	entries, err := newTestCatalog(s).List(context.Background(), Filter{Category: domain.CategoryPolicy, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Chunks != 2 || entries[1].IngestedAt.IsZero() {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(s.queries[0], "WHERE n.category = $f_category") || s.params[0]["f_category"] != "policy" {
		t.Fatalf("query = %s params = %v", s.queries[0], s.params[0])
	}
}

func TestCategories(t *testing.T) {
	s := &trackingSession{result: newMockResult(
		&neo4j.Record{Keys: []string{"name", "documents", "chunks"}, Values: []any{"policy", int64(3), int64(40)}},
		&neo4j.Record{Keys: []string{"name", "documents", "chunks"}, Values: []any{"product", int64(1), int64(5)}},
	)}
	stats, err := newTestCatalog(s).Categories(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0] != (CategoryStats{Name: "policy", Documents: 3, Chunks: 40}) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEnsureSchema(t *testing.T) {
	s := &trackingSession{}
	if err := newTestCatalog(s).EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.queries) != 2 || !strings.Contains(s.queries[0], "IF NOT EXISTS") {
		t.Fatalf("queries = %v", s.queries)
	}
}
