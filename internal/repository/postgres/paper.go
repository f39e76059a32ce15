package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/paperqa/internal/repository"
)

const paperColumns = `id, title, authors, year, filename, file_path, total_pages, upload_date, processed, chunk_count`

// PaperRepo implements repository.PaperRepository
type PaperRepo struct {
	db *DB
}

// NewPaperRepo creates a new paper repository
func NewPaperRepo(db *DB) *PaperRepo {
	return &PaperRepo{db: db}
}

// GetByID retrieves a paper by ID
func (r *PaperRepo) GetByID(ctx context.Context, id int64) (*repository.Paper, error) {
	query := `SELECT ` + paperColumns + ` FROM papers WHERE id = $1`

	p, err := scanPaper(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get paper: %w", err)
	}
	return p, nil
}

// Filename returns the stored filename of a paper
func (r *PaperRepo) Filename(ctx context.Context, id int64) (string, error) {
	var filename string
	err := r.db.Pool.QueryRow(ctx, `SELECT filename FROM papers WHERE id = $1`, id).Scan(&filename)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to get paper filename: %w", err)
	}
	return filename, nil
}

// List retrieves papers with pagination, newest first
func (r *PaperRepo) List(ctx context.Context, limit, offset int) ([]*repository.Paper, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM papers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count papers: %w", err)
	}

	query := `SELECT ` + paperColumns + ` FROM papers ORDER BY upload_date DESC LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list papers: %w", err)
	}
	defer rows.Close()

	var papers []*repository.Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan paper: %w", err)
		}
		papers = append(papers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate papers: %w", err)
	}

	return papers, total, nil
}

// Delete deletes a paper record
func (r *PaperRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM papers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete paper: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanPaper(row pgx.Row) (*repository.Paper, error) {
	var p repository.Paper
	err := row.Scan(
		&p.ID, &p.Title, &p.Authors, &p.Year, &p.Filename, &p.FilePath,
		&p.TotalPages, &p.UploadDate, &p.Processed, &p.ChunkCount,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

var _ repository.PaperRepository = (*PaperRepo)(nil)
