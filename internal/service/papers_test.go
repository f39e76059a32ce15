package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/knoguchi/paperqa/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePapers struct {
	papers    map[int64]*repository.Paper
	deleteErr error
	deleted   []int64
}

func (f *fakePapers) List(ctx context.Context, limit, offset int) ([]*repository.Paper, int, error) {
	ids := make([]int64, 0, len(f.papers))
	for id := range f.papers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []*repository.Paper
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		out = append(out, f.papers[ids[i]])
	}
	return out, len(ids), nil
}

func (f *fakePapers) GetByID(ctx context.Context, id int64) (*repository.Paper, error) {
	p, ok := f.papers[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakePapers) Filename(ctx context.Context, id int64) (string, error) {
	p, err := f.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Filename, nil
}

func (f *fakePapers) Delete(ctx context.Context, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	delete(f.papers, id)
	return nil
}

type fakeQueryLog struct {
	mu      sync.Mutex
	records []*repository.QueryRecord
}

func (f *fakeQueryLog) Create(ctx context.Context, rec *repository.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeQueryLog) List(ctx context.Context, limit, offset int) ([]*repository.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.QueryRecord
	for i := len(f.records) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.records[i])
	}
	return out, nil
}

func (f *fakeQueryLog) Count(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *fakeQueryLog) Questions(ctx context.Context, paperID *int64, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := f.records[i]
		if paperID != nil && !slices.Contains(r.PaperIDs, *paperID) {
			continue
		}
		out = append(out, r.Question)
	}
	return out, nil
}

func (f *fakeQueryLog) StatsForPaper(ctx context.Context, paperID int64) (repository.PaperQueryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stats repository.PaperQueryStats
	var sum float64
	for _, r := range f.records {
		if slices.Contains(r.PaperIDs, paperID) {
			stats.TotalQueries++
			sum += r.Confidence
		}
	}
	if stats.TotalQueries > 0 {
		stats.AvgConfidence = sum / float64(stats.TotalQueries)
	}
	return stats, nil
}

type recordingVectors struct {
	stubVectors
	deleteErr error
	deleted   []int64
}

func (v *recordingVectors) DeleteByPaper(ctx context.Context, paperID int64) error {
	v.deleted = append(v.deleted, paperID)
	return v.deleteErr
}

type fakeInvalidator struct {
	invalidated []int64
	cleared     int
	clearErr    error
}

func (f *fakeInvalidator) InvalidatePaper(paperID int64) int {
	f.invalidated = append(f.invalidated, paperID)
	return 2
}

func (f *fakeInvalidator) ClearCache() error {
	f.cleared++
	return f.clearErr
}

func newFakePapers() *fakePapers {
	return &fakePapers{papers: map[int64]*repository.Paper{
		1: {ID: 1, Title: "Attention Is All You Need", Filename: "attention.pdf"},
		2: {ID: 2, Title: "BERT", Filename: "bert.pdf"},
		3: {ID: 3, Title: "GPT-3", Filename: "gpt3.pdf"},
	}}
}

func TestListPapers(t *testing.T) {
	s := NewPaperService(newFakePapers(), &fakeQueryLog{}, &recordingVectors{}, nil, nil)
	ctx := context.Background()

	page, err := s.ListPapers(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Papers, 2)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.NextOffset)

	page, err = s.ListPapers(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page.Papers, 1)
	assert.Zero(t, page.NextOffset)

	page, err = s.ListPapers(ctx, 20, 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Papers)
	assert.Empty(t, page.Papers)
}

func TestGetPaperNotFound(t *testing.T) {
	s := NewPaperService(newFakePapers(), &fakeQueryLog{}, &recordingVectors{}, nil, nil)

	_, err := s.GetPaper(context.Background(), 42)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeletePaper(t *testing.T) {
	papers := newFakePapers()
	vectors := &recordingVectors{deleteErr: errors.New("qdrant unavailable")}
	inv := &fakeInvalidator{}
	s := NewPaperService(papers, &fakeQueryLog{}, vectors, inv, nil)

	res, err := s.DeletePaper(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.PaperID)
	assert.Equal(t, "Attention Is All You Need", res.Title)
	assert.Equal(t, 2, res.InvalidatedQueries)
	assert.Equal(t, []int64{1}, vectors.deleted)
	assert.Equal(t, []int64{1}, papers.deleted)
	assert.Equal(t, []int64{1}, inv.invalidated)

	_, err = s.DeletePaper(context.Background(), 1)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeletePaperRecordFailureKeepsCache(t *testing.T) {
	papers := newFakePapers()
	papers.deleteErr = errors.New("connection reset")
	inv := &fakeInvalidator{}
	s := NewPaperService(papers, &fakeQueryLog{}, &recordingVectors{}, inv, nil)

	_, err := s.DeletePaper(context.Background(), 2)
	require.Error(t, err)
	assert.Empty(t, inv.invalidated)
}

func TestDeletePaperInvalidatesRealCache(t *testing.T) {
	rag := NewRAGService(&stubEmbedder{}, &stubVectors{results: sampleResults()}, &stubGenerator{answer: "a"},
		WithCache(newTestCache(t)))
	ctx := context.Background()
	for _, ids := range [][]int64{{1}, {1, 2}, {3, 4}, nil} {
		_, err := rag.Answer(ctx, AnswerRequest{Question: "What is attention?", PaperIDs: ids})
		require.NoError(t, err)
	}

	s := NewPaperService(newFakePapers(), &fakeQueryLog{}, &recordingVectors{}, rag, nil)
	res, err := s.DeletePaper(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.InvalidatedQueries)

	stats, err := rag.CacheStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Size)
}

func TestMarkIngested(t *testing.T) {
	inv := &fakeInvalidator{}
	s := NewPaperService(newFakePapers(), &fakeQueryLog{}, &recordingVectors{}, inv, nil)
	ctx := context.Background()

	require.NoError(t, s.MarkIngested(ctx, 2))
	assert.Equal(t, 1, inv.cleared)

	assert.ErrorIs(t, s.MarkIngested(ctx, 99), repository.ErrNotFound)
	assert.Equal(t, 1, inv.cleared)

	inv.clearErr = ErrCacheDisabled
	assert.NoError(t, s.MarkIngested(ctx, 2))

	noCache := NewPaperService(newFakePapers(), &fakeQueryLog{}, &recordingVectors{}, nil, nil)
	assert.NoError(t, noCache.MarkIngested(ctx, 2))
}

func TestPaperStats(t *testing.T) {
	log := &fakeQueryLog{}
	ctx := context.Background()
	for _, r := range []*repository.QueryRecord{
		{Question: "How does attention scale?", PaperIDs: []int64{1}, Confidence: 0.8},
		{Question: "Explain attention heads", PaperIDs: []int64{1, 2}, Confidence: 0.7},
		{Question: "Explain positional encoding", PaperIDs: []int64{1}, Confidence: 0.6},
		{Question: "What is masked modeling?", PaperIDs: []int64{2}, Confidence: 0.1},
	} {
		require.NoError(t, log.Create(ctx, r))
	}

	s := NewPaperService(newFakePapers(), log, &recordingVectors{}, nil, nil)
	stats, err := s.Stats(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.PaperID)
	assert.Equal(t, "Attention Is All You Need", stats.Title)
	assert.Equal(t, 3, stats.TotalQueries)
	assert.Equal(t, 0.7, stats.AvgConfidence)
	assert.Equal(t, []string{"attention", "explain", "does"}, stats.MostCommonTopics)

	_, err = s.Stats(ctx, 99)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHistoryService(t *testing.T) {
	log := &fakeQueryLog{}
	h := NewHistoryService(log)
	ctx := context.Background()

	res := &QueryResult{
		Answer:      "Attention weighs tokens [1].",
		Citations:   []Citation{{PaperTitle: "Attention Is All You Need", ReferenceNumber: 1}},
		SourcesUsed: []string{"Attention Is All You Need"},
		Confidence:  0.81,
		Status:      StatusOK,
	}
	require.NoError(t, h.Record(ctx, AnswerRequest{Question: "What is attention?", TopK: 5, PaperIDs: []int64{1}}, res))

	records, err := h.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "What is attention?", rec.Question)
	assert.Equal(t, []int64{1}, rec.PaperIDs)
	assert.Equal(t, "ok", rec.Status)

	var citations []Citation
	require.NoError(t, json.Unmarshal(rec.Citations, &citations))
	assert.Equal(t, res.Citations, citations)

	empty, err := NewHistoryService(&fakeQueryLog{}).List(ctx, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestPopularTopics(t *testing.T) {
	log := &fakeQueryLog{}
	h := NewHistoryService(log)
	ctx := context.Background()
	for _, q := range []string{
		"What is attention?",
		"How does attention work in transformers?",
		"Transformers versus RNNs",
	} {
		require.NoError(t, log.Create(ctx, &repository.QueryRecord{Question: q}))
	}

	popular, err := h.Popular(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, popular.TotalQueries)
	assert.Equal(t, []TopicCount{
		{Topic: "attention", Count: 2},
		{Topic: "transformers", Count: 2},
	}, popular.Topics)
}

func TestTopTopics(t *testing.T) {
	got := TopTopics([]string{
		"What is the BERT model?",
		"bert, again: the model!",
		"How is a GPT model trained?",
	}, 10)

	assert.Equal(t, []TopicCount{
		{Topic: "model", Count: 3},
		{Topic: "bert", Count: 2},
		{Topic: "again", Count: 1},
		{Topic: "trained", Count: 1},
	}, got)

	assert.Empty(t, TopTopics(nil, 5))
	assert.Len(t, TopTopics([]string{"alpha beta gamma delta"}, 2), 2)
}

var _ vectorstore.VectorStore = (*recordingVectors)(nil)
