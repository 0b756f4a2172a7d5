// Package domain holds the document and chunk model shared by ingestion,
// retrieval and chat, plus the error taxonomy every engine reports through.
package domain

import "time"

// Category is a corpus section, taken from the top-level directory a document lives in.
type Category string

const (
	CategoryPolicy    Category = "policy"
	CategoryHandbook  Category = "handbook"
	CategoryProduct   Category = "product"
	CategoryTechnical Category = "technical"
)

// KnownCategories is the standard taxonomy. Other directory names are accepted.
var KnownCategories = []Category{CategoryPolicy, CategoryHandbook, CategoryProduct, CategoryTechnical}

// Known reports whether c is part of the standard taxonomy.
func (c Category) Known() bool {
	for _, k := range KnownCategories {
		if c == k {
			return true
		}
	}
	return false
}

// FileType identifies how a document's bytes were turned into text.
type FileType string

const (
	FileTypeMarkdown FileType = "markdown"
	FileTypeText     FileType = "text"
	FileTypePDF      FileType = "pdf"
)

// Document is one source file of the corpus. ID is the path relative to the
// corpus root and is the unit of re-ingestion.
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Category   Category  `json:"category"`
	FileType   FileType  `json:"file_type"`
	SourceFile string    `json:"source_file"`
	Text       string    `json:"text"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ChunkMeta is the provenance stored next to every chunk. Fields outside this
// struct go into Extra and are never merged into the named fields.
type ChunkMeta struct {
	DocID       string            `json:"doc_id"`
	Title       string            `json:"title"`
	Category    Category          `json:"category"`
	SourceFile  string            `json:"source_file"`
	FileType    FileType          `json:"file_type"`
	ChunkIndex  int               `json:"chunk_index"`
	TotalChunks int               `json:"total_chunks"`
	OverlapSize int               `json:"overlap_size"`
	Offset      int               `json:"offset"`
	Length      int               `json:"length"` // runes
	IngestedAt  time.Time         `json:"ingested_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Chunk is a bounded window of a document's text.
type Chunk struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	Meta ChunkMeta `json:"metadata"`
}
