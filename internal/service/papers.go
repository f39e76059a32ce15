package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/knoguchi/paperqa/internal/scoring"
	"github.com/knoguchi/paperqa/internal/vectorstore"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// paperTopicCount is the number of topics reported per paper.
	paperTopicCount = 3
)

// CacheInvalidator drops cached responses affected by paper changes
type CacheInvalidator interface {
	InvalidatePaper(paperID int64) int
	ClearCache() error
}

// PaperPage is one page of papers
type PaperPage struct {
	Papers     []*repository.Paper `json:"papers"`
	Total      int                 `json:"total"`
	NextOffset int                 `json:"next_offset,omitempty"`
}

// PaperStats summarizes the queries made against one paper
type PaperStats struct {
	PaperID          int64    `json:"paper_id"`
	Title            string   `json:"title"`
	TotalQueries     int      `json:"total_queries"`
	AvgConfidence    float64  `json:"avg_confidence"`
	MostCommonTopics []string `json:"most_common_topics"`
}

// DeleteResult reports what a paper deletion removed
type DeleteResult struct {
	PaperID            int64  `json:"paper_id"`
	Title              string `json:"title"`
	InvalidatedQueries int    `json:"invalidated_queries"`
}

// PaperService manages paper records and keeps the index and cache consistent with them
type PaperService struct {
	papers   repository.PaperRepository
	queries  repository.QueryLogRepository
	vectorDB vectorstore.VectorStore
	cache    CacheInvalidator
	logger   *slog.Logger
}

// NewPaperService creates a new PaperService. cache may be nil.
func NewPaperService(
	papers repository.PaperRepository,
	queries repository.QueryLogRepository,
	vectorDB vectorstore.VectorStore,
	cache CacheInvalidator,
	logger *slog.Logger,
) *PaperService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperService{
		papers:   papers,
		queries:  queries,
		vectorDB: vectorDB,
		cache:    cache,
		logger:   logger,
	}
}

// ListPapers lists papers, newest first
func (s *PaperService) ListPapers(ctx context.Context, pageSize, offset int) (*PaperPage, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	papers, total, err := s.papers.List(ctx, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list papers: %w", err)
	}
	if papers == nil {
		papers = []*repository.Paper{}
	}

	page := &PaperPage{Papers: papers, Total: total}
	if offset+len(papers) < total {
		page.NextOffset = offset + len(papers)
	}
	return page, nil
}

// GetPaper retrieves a paper by ID
func (s *PaperService) GetPaper(ctx context.Context, id int64) (*repository.Paper, error) {
	paper, err := s.papers.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get paper: %w", err)
	}
	return paper, nil
}

// DeletePaper removes a paper's vectors, its record and every cached answer
// that may have drawn on it.
func (s *PaperService) DeletePaper(ctx context.Context, id int64) (*DeleteResult, error) {
	paper, err := s.GetPaper(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.vectorDB.DeleteByPaper(ctx, id); err != nil {
		// Log error but continue with deletion
		s.logger.Warn("failed to delete paper vectors", "paper_id", id, "error", err)
	}

	if err := s.papers.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to delete paper: %w", err)
	}

	res := &DeleteResult{PaperID: id, Title: paper.Title}
	if s.cache != nil {
		res.InvalidatedQueries = s.cache.InvalidatePaper(id)
	}
	s.logger.Info("paper deleted", "paper_id", id, "invalidated_queries", res.InvalidatedQueries)
	return res, nil
}

// MarkIngested is called after new content for a paper has been indexed.
// Any cached answer may now be incomplete, so the whole cache is dropped.
func (s *PaperService) MarkIngested(ctx context.Context, id int64) error {
	if _, err := s.GetPaper(ctx, id); err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	if err := s.cache.ClearCache(); err != nil && !errors.Is(err, ErrCacheDisabled) {
		return err
	}
	s.logger.Info("cache cleared after ingestion", "paper_id", id)
	return nil
}

// Stats summarizes past queries filtered to a paper
func (s *PaperService) Stats(ctx context.Context, id int64) (*PaperStats, error) {
	paper, err := s.GetPaper(ctx, id)
	if err != nil {
		return nil, err
	}

	agg, err := s.queries.StatsForPaper(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get paper stats: %w", err)
	}

	questions, err := s.queries.Questions(ctx, &id, analyticsScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get paper questions: %w", err)
	}

	topics := TopTopics(questions, paperTopicCount)
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.Topic
	}

	return &PaperStats{
		PaperID:          paper.ID,
		Title:            paper.Title,
		TotalQueries:     agg.TotalQueries,
		AvgConfidence:    scoring.Round3(agg.AvgConfidence),
		MostCommonTopics: names,
	}, nil
}
