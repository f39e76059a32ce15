// Package vectorstore provides interfaces and implementations for vector similarity search
// over research-paper chunks.
package vectorstore

import (
	"context"
)

// Payload is the metadata stored alongside each chunk vector.
type Payload struct {
	Text       string
	Page       int
	Section    string
	Title      string
	Filename   string
	Authors    string
	PaperID    int64
	ChunkIndex int
}

// Chunk is a paper chunk with its embedding
type Chunk struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID      string
	Score   float32
	Payload Payload
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// Limit is the maximum number of results.
	Limit int

	// PaperIDs restricts results to the given papers. Empty means all papers.
	PaperIDs []int64

	// MinScore drops results scoring below it.
	MinScore float32
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// Search returns up to opts.Limit chunks ordered by descending similarity.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error)

	// Upsert inserts or updates chunks
	Upsert(ctx context.Context, chunks []Chunk) error

	// DeleteByPaper removes every chunk belonging to a paper
	DeleteByPaper(ctx context.Context, paperID int64) error
}
