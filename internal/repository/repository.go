// Package repository defines domain models and data access interfaces for papers and query history.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Paper processing states
const (
	ProcessingPending = 0
	ProcessingDone    = 1
	ProcessingFailed  = -1
)

// Paper represents an ingested research paper
type Paper struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Authors    string    `json:"authors,omitempty"`
	Year       *int      `json:"year,omitempty"`
	Filename   string    `json:"filename"`
	FilePath   string    `json:"-"`
	TotalPages int       `json:"total_pages"`
	UploadDate time.Time `json:"upload_date"`
	Processed  int       `json:"processed"`
	ChunkCount int       `json:"chunk_count"`
}

// QueryRecord is one answered question kept for history and analytics
type QueryRecord struct {
	ID           uuid.UUID       `json:"id"`
	Question     string          `json:"question"`
	Answer       string          `json:"answer"`
	PaperIDs     []int64         `json:"paper_ids"`
	TopK         int             `json:"top_k"`
	ResponseTime float64         `json:"response_time"`
	Confidence   float64         `json:"confidence"`
	SourcesUsed  []string        `json:"sources_used"`
	Citations    json.RawMessage `json:"citations,omitempty"`
	Cached       bool            `json:"cached"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"query_date"`
}

// PaperQueryStats aggregates the history of queries filtered to one paper
type PaperQueryStats struct {
	TotalQueries  int
	AvgConfidence float64
}

// PaperRepository defines operations for paper records
type PaperRepository interface {
	List(ctx context.Context, limit, offset int) ([]*Paper, int, error)
	GetByID(ctx context.Context, id int64) (*Paper, error)
	Filename(ctx context.Context, id int64) (string, error)
	Delete(ctx context.Context, id int64) error
}

// QueryLogRepository defines operations for query history persistence
type QueryLogRepository interface {
	Create(ctx context.Context, rec *QueryRecord) error
	List(ctx context.Context, limit, offset int) ([]*QueryRecord, error)
	Count(ctx context.Context) (int, error)

	// Questions returns up to limit question texts, newest first. A non-nil
	// paperID restricts them to queries whose filter contains it.
	Questions(ctx context.Context, paperID *int64, limit int) ([]string, error)

	StatsForPaper(ctx context.Context, paperID int64) (PaperQueryStats, error)
}
