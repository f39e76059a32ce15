package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *DB) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

var paperCols = []string{"id", "title", "authors", "year", "filename", "file_path", "total_pages", "upload_date", "processed", "chunk_count"}

func TestPaperRepoGetByID(t *testing.T) {
	t.Run("Should return paper", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewPaperRepo(db)
		year := 2017
		uploaded := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

		mock.ExpectQuery("SELECT (.+) FROM papers WHERE id = \\$1").
			WithArgs(int64(7)).
			WillReturnRows(mock.NewRows(paperCols).
				AddRow(int64(7), "Attention Is All You Need", "Vaswani et al.", &year, "attention.pdf", "/data/attention.pdf", 15, uploaded, 1, 42))

		p, err := repo.GetByID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, "Attention Is All You Need", p.Title)
		assert.Equal(t, "attention.pdf", p.Filename)
		require.NotNil(t, p.Year)
		assert.Equal(t, 2017, *p.Year)
		assert.Equal(t, 42, p.ChunkCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should map no rows to ErrNotFound", func(t *testing.T) {
		mock, db := newMock(t)
		repo := NewPaperRepo(db)

		mock.ExpectQuery("SELECT (.+) FROM papers WHERE id = \\$1").
			WithArgs(int64(9)).
			WillReturnError(pgx.ErrNoRows)

		_, err := repo.GetByID(context.Background(), 9)
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaperRepoFilename(t *testing.T) {
	mock, db := newMock(t)
	repo := NewPaperRepo(db)

	mock.ExpectQuery("SELECT filename FROM papers WHERE id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(mock.NewRows([]string{"filename"}).AddRow("bert.pdf"))
	mock.ExpectQuery("SELECT filename FROM papers WHERE id = \\$1").
		WithArgs(int64(4)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT filename FROM papers WHERE id = \\$1").
		WithArgs(int64(5)).
		WillReturnError(errors.New("connection reset"))

	name, err := repo.Filename(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "bert.pdf", name)

	_, err = repo.Filename(context.Background(), 4)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.Filename(context.Background(), 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaperRepoList(t *testing.T) {
	mock, db := newMock(t)
	repo := NewPaperRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM papers").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT (.+) FROM papers ORDER BY upload_date DESC LIMIT \\$1 OFFSET \\$2").
		WithArgs(10, 0).
		WillReturnRows(mock.NewRows(paperCols).
			AddRow(int64(2), "B", "", nil, "b.pdf", "", 3, now, 1, 5).
			AddRow(int64(1), "A", "", nil, "a.pdf", "", 8, now, 1, 9))

	papers, total, err := repo.List(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, papers, 2)
	assert.Equal(t, int64(2), papers[0].ID)
	assert.Nil(t, papers[0].Year)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaperRepoDelete(t *testing.T) {
	mock, db := newMock(t)
	repo := NewPaperRepo(db)

	mock.ExpectExec("DELETE FROM papers WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM papers WHERE id = \\$1").
		WithArgs(int64(2)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, repo.Delete(context.Background(), 1))
	assert.ErrorIs(t, repo.Delete(context.Background(), 2), repository.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryLogRepoCreate(t *testing.T) {
	mock, db := newMock(t)
	repo := NewQueryLogRepo(db)

	rec := &repository.QueryRecord{
		Question:     "What is attention?",
		Answer:       "A weighting mechanism [1].",
		PaperIDs:     []int64{1, 2},
		TopK:         5,
		ResponseTime: 1.25,
		Confidence:   0.8,
		Citations:    json.RawMessage(`[{"reference_number":1}]`),
		Status:       "ok",
	}

	mock.ExpectExec("INSERT INTO queries").
		WithArgs(
			pgxmock.AnyArg(), // id
			"What is attention?",
			"A weighting mechanism [1].",
			[]int64{1, 2},
			5,
			1.25,
			0.8,
			[]string{},
			[]byte(`[{"reference_number":1}]`),
			false,
			"ok",
			pgxmock.AnyArg(), // created_at
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), rec))
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryLogRepoList(t *testing.T) {
	mock, db := newMock(t)
	repo := NewQueryLogRepo(db)
	id := uuid.New()
	now := time.Now().UTC()

	cols := []string{"id", "question", "answer", "paper_ids", "top_k", "response_time", "confidence", "sources_used", "citations", "cached", "status", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM queries ORDER BY created_at DESC LIMIT \\$1 OFFSET \\$2").
		WithArgs(50, 0).
		WillReturnRows(mock.NewRows(cols).
			AddRow(id, "q", "a", []int64(nil), 5, 0.5, 0.7, []string{"Paper A"}, []byte(nil), true, "ok", now))

	records, err := repo.List(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.True(t, records[0].Cached)
	assert.Equal(t, []string{"Paper A"}, records[0].SourcesUsed)
	assert.Nil(t, records[0].Citations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryLogRepoQuestions(t *testing.T) {
	mock, db := newMock(t)
	repo := NewQueryLogRepo(db)
	paperID := int64(4)

	mock.ExpectQuery("SELECT question FROM queries ORDER BY created_at DESC LIMIT \\$1").
		WithArgs(100).
		WillReturnRows(mock.NewRows([]string{"question"}).AddRow("one").AddRow("two"))
	mock.ExpectQuery("SELECT question FROM queries WHERE \\$1 = ANY\\(paper_ids\\)").
		WithArgs(int64(4), 100).
		WillReturnRows(mock.NewRows([]string{"question"}).AddRow("three"))

	all, err := repo.Questions(context.Background(), nil, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, all)

	filtered, err := repo.Questions(context.Background(), &paperID, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, filtered)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryLogRepoStatsAndCount(t *testing.T) {
	mock, db := newMock(t)
	repo := NewQueryLogRepo(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\), COALESCE\\(AVG\\(confidence\\), 0\\) FROM queries").
		WithArgs(int64(4)).
		WillReturnRows(mock.NewRows([]string{"count", "avg"}).AddRow(3, 0.75))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM queries").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(12))

	stats, err := repo.StatsForPaper(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalQueries)
	assert.InDelta(t, 0.75, stats.AvgConfidence, 1e-9)

	total, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	mock, db := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS papers").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, db.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
