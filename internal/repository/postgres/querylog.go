package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/paperqa/internal/repository"
)

const queryColumns = `id, question, answer, paper_ids, top_k, response_time, confidence, sources_used, citations, cached, status, created_at`

// QueryLogRepo implements repository.QueryLogRepository
type QueryLogRepo struct {
	db *DB
}

// NewQueryLogRepo creates a new query history repository
func NewQueryLogRepo(db *DB) *QueryLogRepo {
	return &QueryLogRepo{db: db}
}

// Create stores a query record, assigning an ID and timestamp when unset
func (r *QueryLogRepo) Create(ctx context.Context, rec *repository.QueryRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	sources := rec.SourcesUsed
	if sources == nil {
		sources = []string{}
	}

	query := `
		INSERT INTO queries (` + queryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		rec.ID, rec.Question, rec.Answer, rec.PaperIDs, rec.TopK,
		rec.ResponseTime, rec.Confidence, sources, []byte(rec.Citations),
		rec.Cached, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create query record: %w", err)
	}
	return nil
}

// List retrieves query records, newest first
func (r *QueryLogRepo) List(ctx context.Context, limit, offset int) ([]*repository.QueryRecord, error) {
	query := `SELECT ` + queryColumns + ` FROM queries ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var records []*repository.QueryRecord
	for rows.Next() {
		var rec repository.QueryRecord
		var citations []byte
		if err := rows.Scan(
			&rec.ID, &rec.Question, &rec.Answer, &rec.PaperIDs, &rec.TopK,
			&rec.ResponseTime, &rec.Confidence, &rec.SourcesUsed, &citations,
			&rec.Cached, &rec.Status, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan query record: %w", err)
		}
		if len(citations) > 0 {
			rec.Citations = citations
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queries: %w", err)
	}

	return records, nil
}

// Count returns the total number of recorded queries
func (r *QueryLogRepo) Count(ctx context.Context) (int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM queries`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count queries: %w", err)
	}
	return total, nil
}

// Questions returns question texts, newest first, optionally restricted to a paper
func (r *QueryLogRepo) Questions(ctx context.Context, paperID *int64, limit int) ([]string, error) {
	query := `SELECT question FROM queries ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if paperID != nil {
		query = `SELECT question FROM queries WHERE $1 = ANY(paper_ids) ORDER BY created_at DESC LIMIT $2`
		args = []any{*paperID, limit}
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	defer rows.Close()

	var questions []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate questions: %w", err)
	}
	return questions, nil
}

// StatsForPaper aggregates queries whose filter contains the paper
func (r *QueryLogRepo) StatsForPaper(ctx context.Context, paperID int64) (repository.PaperQueryStats, error) {
	var stats repository.PaperQueryStats
	query := `SELECT COUNT(*), COALESCE(AVG(confidence), 0) FROM queries WHERE $1 = ANY(paper_ids)`
	if err := r.db.Pool.QueryRow(ctx, query, paperID).Scan(&stats.TotalQueries, &stats.AvgConfidence); err != nil {
		return stats, fmt.Errorf("failed to aggregate paper queries: %w", err)
	}
	return stats, nil
}

var _ repository.QueryLogRepository = (*QueryLogRepo)(nil)
