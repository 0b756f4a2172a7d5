package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/WessleyAI/docchat/engine/domain"
)

// writeCorpus creates files under a fresh root. Keys are slash paths.
func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func mustLoader(t *testing.T, root string) *Loader {
	t.Helper()
	l, err := NewLoader(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNewLoaderRejectsMissingRoot(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope"), nil)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFilesSkipsRootAndUnsupported(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"README.md":              "# root level",
		"policy/leave.md":        "# Leave",
		"policy/notes.docx":      "binary",
		"handbook/intro.txt":     "hello",
		"product/sub/spec.md":    "deep",
		".git/config.md":         "hidden",
		"technical/api.MARKDOWN": "x",
	})
	l := mustLoader(t, root)
	files, err := l.Files(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, f := range files {
		id, err := l.DocID(f)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	want := []string{"handbook/intro.txt", "policy/leave.md", "product/sub/spec.md", "technical/api.MARKDOWN"}
	if !slices.Equal(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func TestLoadMarkdown(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"policy/remote-work.md": "Intro line\n\n#  Remote Work Policy \nBody text.\n",
	})
	l := mustLoader(t, root)
	doc, err := l.Load("policy/remote-work.md")
	if err != nil {
		t.Fatal(err)
	}
	if doc.ID != "policy/remote-work.md" || doc.SourceFile != doc.ID {
		t.Fatalf("id = %q source = %q", doc.ID, doc.SourceFile)
	}
	if doc.Category != domain.CategoryPolicy || doc.FileType != domain.FileTypeMarkdown {
		t.Fatalf("category = %q type = %q", doc.Category, doc.FileType)
	}
	if doc.Title != "Remote Work Policy" {
		t.Fatalf("title = %q", doc.Title)
	}
	if doc.IngestedAt.IsZero() {
		t.Fatal("ingested_at not set")
	}
}

func TestLoadTextUsesStemTitle(t *testing.T) {
	root := writeCorpus(t, map[string]string{"onboarding/first_day-checklist.txt": "  # not a heading in text files  "})
	l := mustLoader(t, root)
	doc, err := l.Load(filepath.Join(root, "onboarding", "first_day-checklist.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "First Day Checklist" {
		t.Fatalf("title = %q", doc.Title)
	}
	if doc.Category != "onboarding" || doc.Category.Known() {
		t.Fatalf("category = %q", doc.Category)
	}
	if doc.Text != "# not a heading in text files" {
		t.Fatalf("text not trimmed: %q", doc.Text)
	}
}

func TestLoadRejects(t *testing.T) {
	root := writeCorpus(t, map[string]string{
		"top.md":          "x",
		"policy/file.csv": "a,b",
	})
	l := mustLoader(t, root)
	for _, p := range []string{"top.md", "policy/file.csv", "../outside.md"} {
		if _, err := l.Load(p); !errors.Is(err, domain.ErrUnsupportedFile) {
			t.Errorf("Load(%q) = %v, want unsupported file", p, err)
		}
	}
	if _, err := l.Load("policy/missing.md"); err == nil {
		t.Fatal("expected read error")
	}
}

func TestTitle(t *testing.T) {
	cases := []struct {
		ft   domain.FileType
		path string
		text string
		want string
	}{
		{domain.FileTypeMarkdown, "a/b.md", "# Heading\n# Second", "Heading"},
		{domain.FileTypeMarkdown, "a/expense_policy.md", "## Sub only\ntext", "Expense Policy"},
		{domain.FileTypeMarkdown, "a/x.md", "#\n# Real", "Real"},
		{domain.FileTypePDF, "a/api-reference_v2.pdf", "# ignored", "Api Reference V2"},
	}
	for _, tc := range cases {
		if got := Title(tc.ft, tc.path, tc.text); got != tc.want {
			t.Errorf("Title(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestTitleLongFirstLine(t *testing.T) {
	text := strings.Repeat("x", 100_000) + "\n# Handbook\n"
	if got := Title(domain.FileTypeMarkdown, "a/b.md", text); got != "Handbook" {
		t.Fatalf("title = %q", got)
	}
}

func TestTitleConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if got := Title(domain.FileTypeText, "policy/remote-work_policy.txt", ""); got != "Remote Work Policy" {
					t.Errorf("goroutine %d: title = %q", i, got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
