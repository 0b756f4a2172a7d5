package ingest

import (
	"context"

	"github.com/WessleyAI/docchat/engine/domain"
	"github.com/WessleyAI/docchat/engine/semantic"
)

// ChunkedDoc is a loaded document split into windows.
type ChunkedDoc struct {
	domain.Document
	Chunks []domain.Chunk
}

// EmbeddedDoc is a chunked document with one vector per chunk.
type EmbeddedDoc struct {
	ChunkedDoc
	Embedded []semantic.EmbeddedChunk
}

// Outcome is what a successful pipeline run wrote.
type Outcome struct {
	DocID    string          `json:"doc_id"`
	Title    string          `json:"title"`
	Category domain.Category `json:"category"`
	Chunks   int             `json:"chunks"`
}

// Failure records a document the pipeline gave up on.
type Failure struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Report summarizes a directory run.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
	Failures []Failure `json:"failures,omitempty"`
}

// Chunks returns the total number of chunks written.
func (r Report) Chunks() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.Chunks
	}
	return n
}

// Cataloger keeps a browsable record of ingested documents alongside the
// vectors.
type Cataloger interface {
	Save(ctx context.Context, doc domain.Document, chunks int) error
	Delete(ctx context.Context, docID string) error
}
