package ingest

import (
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/WessleyAI/docchat/engine/domain"
)

const (
	// DefaultChunkSize is the window length in characters.
	DefaultChunkSize = 500
	// DefaultOverlap is the number of characters shared by consecutive windows.
	DefaultOverlap = 100
)

// Chunker splits text into fixed-size character windows that advance by
// size-overlap. Windows are measured in runes.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker validates the window parameters.
func NewChunker(size, overlap int) (*Chunker, error) {
	if err := domain.ValidateChunking(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the window length.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the shared length between consecutive windows.
func (c *Chunker) Overlap() int { return c.overlap }

// Count returns how many windows a text of n runes produces.
func (c *Chunker) Count(n int) int {
	if n <= 0 {
		return 0
	}
	if n <= c.size {
		return 1
	}
	step := c.size - c.overlap
	return 1 + (n-c.size+step-1)/step
}

// Windows lazily yields (index, window) pairs covering text with no gaps.
// The last window may be shorter than the chunk size.
func (c *Chunker) Windows(text string) iter.Seq2[int, string] {
	return func(yield func(int, string) bool) {
		if text == "" {
			return
		}
		runes := []rune(text)
		n := len(runes)
		step := c.size - c.overlap
		for i, start := 0, 0; ; i, start = i+1, start+step {
			end := min(start+c.size, n)
			if !yield(i, string(runes[start:end])) {
				return
			}
			if end == n {
				return
			}
		}
	}
}

// Chunks lazily yields the chunks of doc with their provenance attached.
func (c *Chunker) Chunks(doc domain.Document) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		total := c.Count(utf8.RuneCountInString(doc.Text))
		step := c.size - c.overlap
		for i, text := range c.Windows(doc.Text) {
			overlap := c.overlap
			if i == 0 {
				overlap = 0
			}
			ch := domain.Chunk{
				ID:   PointID(doc.ID, i),
				Text: text,
				Meta: domain.ChunkMeta{
					DocID:       doc.ID,
					Title:       doc.Title,
					Category:    doc.Category,
					SourceFile:  doc.SourceFile,
					FileType:    doc.FileType,
					ChunkIndex:  i,
					TotalChunks: total,
					OverlapSize: overlap,
					Offset:      i * step,
					Length:      utf8.RuneCountInString(text),
					IngestedAt:  doc.IngestedAt,
				},
			}
			if !yield(ch) {
				return
			}
		}
	}
}

// PointID is the deterministic id of chunk index of docID, stable across
// re-ingestion so upserts overwrite in place.
func PointID(docID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", docID, index))).String()
}
