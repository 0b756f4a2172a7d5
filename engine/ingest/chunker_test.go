package ingest

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/WessleyAI/docchat/engine/domain"
)

func mustChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	c, err := NewChunker(size, overlap)
	if err != nil {
		t.Fatalf("NewChunker(%d, %d): %v", size, overlap, err)
	}
	return c
}

func collect(c *Chunker, text string) []string {
	var out []string
	for _, w := range c.Windows(text) {
		out = append(out, w)
	}
	return out
}

func TestNewChunkerRejectsBadConfig(t *testing.T) {
	for _, tc := range [][2]int{{500, 500}, {500, 501}, {0, 0}, {10, -1}} {
		_, err := NewChunker(tc[0], tc[1])
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("NewChunker(%d, %d) = %v, want configuration error", tc[0], tc[1], err)
		}
	}
}

func TestWindows1200(t *testing.T) {
	c := mustChunker(t, 500, 100)
	text := strings.Repeat("abcdefghij", 120)
	got := collect(c, text)

	lengths := make([]int, len(got))
	for i, w := range got {
		lengths[i] = len(w)
	}
	if !slices.Equal(lengths, []int{500, 500, 400}) {
		t.Fatalf("lengths = %v", lengths)
	}
	if c.Count(1200) != 3 {
		t.Fatalf("Count(1200) = %d", c.Count(1200))
	}
	if got[1][:100] != got[0][400:] {
		t.Fatal("consecutive windows must share exactly the overlap")
	}
}

func TestShortAndEmptyText(t *testing.T) {
	c := mustChunker(t, 500, 100)
	if got := collect(c, "short doc"); len(got) != 1 || got[0] != "short doc" {
		t.Fatalf("short text: %v", got)
	}
	if got := collect(c, strings.Repeat("x", 500)); len(got) != 1 {
		t.Fatalf("exact size should be one window, got %d", len(got))
	}
	if got := collect(c, ""); len(got) != 0 {
		t.Fatalf("empty text: %v", got)
	}
	if c.Count(0) != 0 || c.Count(1) != 1 {
		t.Fatal("Count edge cases wrong")
	}
}

func TestRoundTrip(t *testing.T) {
	texts := []string{
		strings.Repeat("The quick brown fox. ", 97),
		"ünïcödé → 日本語のテキスト " + strings.Repeat("ß", 333),
		"a",
	}
	configs := [][2]int{{500, 100}, {10, 9}, {7, 0}, {64, 16}, {3, 1}}
	for _, text := range texts {
		for _, cfg := range configs {
			c := mustChunker(t, cfg[0], cfg[1])
			var b strings.Builder
			count := 0
			for i, w := range c.Windows(text) {
				if utf8.RuneCountInString(w) > cfg[0] {
					t.Fatalf("window %d longer than size", i)
				}
				if i == 0 {
					b.WriteString(w)
				} else {
					b.WriteString(string([]rune(w)[cfg[1]:]))
				}
				count++
			}
			if b.String() != text {
				t.Fatalf("round trip failed for size=%d overlap=%d", cfg[0], cfg[1])
			}
			if count != c.Count(utf8.RuneCountInString(text)) {
				t.Fatalf("Count mismatch for size=%d overlap=%d: %d vs %d", cfg[0], cfg[1], count, c.Count(utf8.RuneCountInString(text)))
			}
		}
	}
}

func TestWindowsStopsEarly(t *testing.T) {
	c := mustChunker(t, 2, 0)
	n := 0
	for range c.Windows("abcdefgh") {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("expected early stop at 2, got %d", n)
	}
}

func TestChunksMetadataAndDeterminism(t *testing.T) {
	c := mustChunker(t, 500, 100)
	doc := domain.Document{
		ID:         "policy/refunds.md",
		Title:      "Refunds",
		Category:   domain.CategoryPolicy,
		SourceFile: "refunds.md",
		FileType:   domain.FileTypeMarkdown,
		Text:       strings.Repeat("r", 1200),
	}
	first := slices.Collect(c.Chunks(doc))
	second := slices.Collect(c.Chunks(doc))
	if len(first) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(first))
	}
	for i, ch := range first {
		if ch.Meta.ChunkIndex != i || ch.Meta.TotalChunks != 3 {
			t.Fatalf("chunk %d meta %+v", i, ch.Meta)
		}
		if ch.Meta.Length != len([]rune(ch.Text)) {
			t.Fatalf("chunk %d length = %d", i, ch.Meta.Length)
		}
		if ch.Meta.Category != domain.CategoryPolicy || ch.Meta.Title != "Refunds" {
			t.Fatalf("provenance missing: %+v", ch.Meta)
		}
		if ch.ID != second[i].ID || ch.Text != second[i].Text {
			t.Fatal("chunking must be deterministic")
		}
	}
	if first[0].Meta.OverlapSize != 0 || first[1].Meta.OverlapSize != 100 || first[2].Meta.Offset != 800 {
		t.Fatalf("overlap/offset wrong: %+v %+v", first[1].Meta, first[2].Meta)
	}
	if PointID("a", 1) == PointID("a", 2) || PointID("a", 1) != PointID("a", 1) {
		t.Fatal("PointID must be deterministic and unique per index")
	}
}
