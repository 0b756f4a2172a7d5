package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/WessleyAI/docchat/engine/domain"
)

// fileTypes maps supported extensions to how they are read.
var fileTypes = map[string]domain.FileType{
	".md":       domain.FileTypeMarkdown,
	".markdown": domain.FileTypeMarkdown,
	".txt":      domain.FileTypeText,
	".pdf":      domain.FileTypePDF,
}

// Supported reports whether path has an extension the loader can read.
func Supported(path string) bool {
	_, ok := fileTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Loader reads documents from a corpus laid out as <root>/<category>/<file>.
type Loader struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// NewLoader creates a Loader rooted at root.
func NewLoader(root string, logger *slog.Logger) (*Loader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, domain.NewConfigError("docs_root", err)
	}
	if !info.IsDir() {
		return nil, domain.NewConfigError("docs_root", fmt.Errorf("%s is not a directory", abs))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{root: abs, now: time.Now, logger: logger}, nil
}

// Root returns the absolute corpus root.
func (l *Loader) Root() string { return l.root }

// DocID returns the id of the document at path: its location relative to
// the root, with forward slashes.
func (l *Loader) DocID(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.root, path)
	}
	rel, err := filepath.Rel(l.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", domain.NewValidationError("path", path, domain.ErrUnsupportedFile)
	}
	return filepath.ToSlash(rel), nil
}

// Files lists every supported file below a category directory, sorted by
// document id. Files directly under the root have no category and are skipped.
func (l *Loader) Files(ctx context.Context) ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != l.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Dir(path) == l.root {
			l.logger.Debug("ingest: skipping uncategorized file", "path", path)
			return nil
		}
		if Supported(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walk %s: %w", l.root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Load reads the document at path (absolute, or relative to the root).
func (l *Loader) Load(path string) (domain.Document, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.root, path)
	}
	id, err := l.DocID(path)
	if err != nil {
		return domain.Document{}, err
	}
	category, _, ok := strings.Cut(id, "/")
	if !ok {
		return domain.Document{}, domain.NewValidationError("path", id, domain.ErrUnsupportedFile)
	}
	ft, ok := fileTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return domain.Document{}, domain.NewValidationError("path", id, domain.ErrUnsupportedFile)
	}
	if c := domain.Category(category); !c.Known() {
		l.logger.Info("ingest: non-standard category", "category", category, "doc_id", id)
	}

	var text string
	switch ft {
	case domain.FileTypePDF:
		text, err = l.readPDF(path)
	default:
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("ingest: read %s: %w", id, err)
	}
	text = strings.TrimSpace(text)

	return domain.Document{
		ID:         id,
		Title:      Title(ft, path, text),
		Category:   domain.Category(category),
		FileType:   ft,
		SourceFile: id,
		Text:       text,
		IngestedAt: l.now().UTC(),
	}, nil
}

func (l *Loader) readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			l.logger.Warn("ingest: pdf page unreadable", "path", path, "page", i, "err", err)
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Title picks a document title: the first "# " heading of a markdown file,
// otherwise the file stem with dashes and underscores turned into spaces.
func Title(ft domain.FileType, path, text string) string {
	if ft == domain.FileTypeMarkdown {
		for line := range strings.Lines(text) {
			line = strings.TrimSpace(line)
			if h, ok := strings.CutPrefix(line, "# "); ok {
				if h = strings.TrimSpace(h); h != "" {
					return h
				}
			}
		}
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
	// A Caser keeps state between calls and cannot be shared across goroutines.
	return cases.Title(language.English).String(strings.Join(strings.Fields(stem), " "))
}
