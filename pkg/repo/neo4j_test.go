package repo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// --- Mock infrastructure ---

type mockResult struct {
	records []*neo4j.Record
	idx     int
}

func (m *mockResult) Next(context.Context) bool {
	if m.idx < len(m.records) {
		m.idx++
		return true
	}
	return false
}

func (m *mockResult) Record() *neo4j.Record { return m.records[m.idx-1] }

type mockSession struct {
	result  *mockResult
	err     error
	cyphers []string
	params  []map[string]any
	closed  int
}

func (m *mockSession) Run(_ context.Context, cypher string, params map[string]any) (CypherResult, error) {
	m.cyphers = append(m.cyphers, cypher)
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	if m.result == nil {
		return &mockResult{}, nil
	}
	return m.result, nil
}

func (m *mockSession) ExecuteWrite(_ context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return work(m)
}

func (m *mockSession) Close(context.Context) error {
	m.closed++
	return nil
}

type mockOpener struct{ session *mockSession }

func (o *mockOpener) OpenSession(context.Context) CypherSession { return o.session }

type entity struct {
	ID   string
	Name string
}

func makeRecord(id, name string) *neo4j.Record {
	return &neo4j.Record{
		Values: []any{map[string]any{"id": id, "name": name}},
		Keys:   []string{"n"},
	}
}

func newTestRepo(s *mockSession) *Neo4jRepo[entity, string] {
	return NewNeo4jRepo[entity, string](
		&mockOpener{session: s}, "Entity",
		func(e entity) map[string]any { return map[string]any{"id": e.ID, "name": e.Name} },
		func(rec *neo4j.Record) (entity, error) {
			if len(rec.Values) == 0 {
				return entity{}, errors.New("empty")
			}
			m, ok := rec.Values[0].(map[string]any)
			if !ok {
				return entity{}, errors.New("bad type")
			}
			return entity{ID: m["id"].(string), Name: m["name"].(string)}, nil
		},
	)
}

// --- Tests ---

func TestNewNeo4jRepoDefaults(t *testing.T) {
	r := NewNeo4jRepo[entity, string](nil, "Node", nil, nil)
	if r.idKey != "id" || r.Label() != "Node" {
		t.Fatalf("idKey=%s label=%s", r.idKey, r.Label())
	}
	r = NewNeo4jRepo[entity, string](nil, "Node", nil, nil, WithIDKey[entity, string]("uuid"))
	if r.idKey != "uuid" {
		t.Fatalf("expected idKey=uuid, got %s", r.idKey)
	}
}

func TestNewNeo4jRepoRejectsInjection(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for invalid label")
		}
	}()
	NewNeo4jRepo[entity, string](nil, "Node) DETACH DELETE (m", nil, nil)
}

func TestGet_Success(t *testing.T) {
	s := &mockSession{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "Alice")}}}
	e, err := newTestRepo(s).Get(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if e.ID != "1" || e.Name != "Alice" {
		t.Fatalf("got %+v", e)
	}
	if s.closed != 1 {
		t.Fatalf("session closed %d times", s.closed)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := newTestRepo(&mockSession{}).Get(context.Background(), "x")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_RunError(t *testing.T) {
	_, err := newTestRepo(&mockSession{err: errors.New("db down")}).Get(context.Background(), "x")
	if err == nil || err.Error() != "db down" {
		t.Fatalf("expected db down, got %v", err)
	}
}

func TestList_FiltersAndPages(t *testing.T) {
	s := &mockSession{result: &mockResult{records: []*neo4j.Record{makeRecord("1", "A"), makeRecord("2", "B")}}}
	items, err := newTestRepo(s).List(context.Background(), ListOpts{
		Offset: 5,
		Limit:  10,
		Filter: map[string]any{"name": "A", "category": "policy"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	want := "MATCH (n:Entity) WHERE n.category = $f_category AND n.name = $f_name RETURN n ORDER BY n.id SKIP $offset LIMIT $limit"
	if s.cyphers[0] != want {
		t.Fatalf("cypher:\n got %s\nwant %s", s.cyphers[0], want)
	}
	p := s.params[0]
	if p["f_name"] != "A" || p["f_category"] != "policy" || p["offset"] != 5 || p["limit"] != 10 {
		t.Fatalf("params = %v", p)
	}
}

func TestList_Defaults(t *testing.T) {
	s := &mockSession{}
	if _, err := newTestRepo(s).List(context.Background(), ListOpts{Offset: -3}); err != nil {
		t.Fatal(err)
	}
	if s.params[0]["limit"] != DefaultLimit || s.params[0]["offset"] != 0 {
		t.Fatalf("params = %v", s.params[0])
	}
	if strings.Contains(s.cyphers[0], "WHERE") {
		t.Fatalf("unexpected WHERE: %s", s.cyphers[0])
	}
}

func TestList_RejectsBadProperties(t *testing.T) {
	s := &mockSession{}
	r := newTestRepo(s)
	if _, err := r.List(context.Background(), ListOpts{Filter: map[string]any{"a b": 1}}); err == nil {
		t.Fatal("expected error for filter key")
	}
	if _, err := r.List(context.Background(), ListOpts{OrderBy: "id DESC"}); err == nil {
		t.Fatal("expected error for order property")
	}
	if len(s.cyphers) != 0 {
		t.Fatal("nothing should run")
	}
}

func TestList_FromRecordError(t *testing.T) {
	bad := &neo4j.Record{Values: []any{"not a map"}, Keys: []string{"n"}}
	s := &mockSession{result: &mockResult{records: []*neo4j.Record{bad}}}
	if _, err := newTestRepo(s).List(context.Background(), ListOpts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsert(t *testing.T) {
	s := &mockSession{}
	if err := newTestRepo(s).Upsert(context.Background(), entity{ID: "3", Name: "C"}); err != nil {
		t.Fatal(err)
	}
	if s.cyphers[0] != "MERGE (n:Entity {id: $id}) SET n += $props" {
		t.Fatalf("cypher = %s", s.cyphers[0])
	}
	if s.params[0]["id"] != "3" {
		t.Fatalf("params = %v", s.params[0])
	}
}

func TestDelete(t *testing.T) {
	s := &mockSession{}
	if err := newTestRepo(s).Delete(context.Background(), "1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s.cyphers[0], "DETACH DELETE n") {
		t.Fatalf("cypher = %s", s.cyphers[0])
	}

	s.err = errors.New("fail")
	if err := newTestRepo(s).Delete(context.Background(), "1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCount(t *testing.T) {
	rec := &neo4j.Record{Keys: []string{"count"}, Values: []any{int64(7)}}
	s := &mockSession{result: &mockResult{records: []*neo4j.Record{rec}}}
	n, err := newTestRepo(s).Count(context.Background(), map[string]any{"name": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("count = %d", n)
	}
}
