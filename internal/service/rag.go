// Package service implements the question answering pipeline and the paper,
// cache and history operations exposed by the API.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	"github.com/knoguchi/paperqa/internal/cache"
	"github.com/knoguchi/paperqa/internal/embedder"
	"github.com/knoguchi/paperqa/internal/llm"
	"github.com/knoguchi/paperqa/internal/reranker"
	"github.com/knoguchi/paperqa/internal/scoring"
	"github.com/knoguchi/paperqa/internal/vectorstore"
)

// FilenameLookup resolves a paper's filename when a chunk payload lacks one
type FilenameLookup interface {
	Filename(ctx context.Context, paperID int64) (string, error)
}

// Observer receives one observation per answered request
type Observer interface {
	ObserveAnswer(status Status, cached bool, elapsed time.Duration)
}

// HistoryRecorder persists answered queries
type HistoryRecorder interface {
	Record(ctx context.Context, req AnswerRequest, res *QueryResult) error
}

// Limits bounds request parameters and context size
type Limits struct {
	MinTopK           int
	MaxTopK           int
	DefaultTopK       int
	MinQuestionLength int
	MinScore          float32
	MaxContextChars   int
}

// DefaultLimits returns the default request bounds
func DefaultLimits() Limits {
	return Limits{
		MinTopK:           1,
		MaxTopK:           20,
		DefaultTopK:       5,
		MinQuestionLength: 3,
		MinScore:          0.25,
		MaxContextChars:   8000,
	}
}

// RAGService answers questions over the paper collection
type RAGService struct {
	embedder  embedder.Embedder
	vectorDB  vectorstore.VectorStore
	generator llm.Generator

	reranker  reranker.Reranker
	scorer    *scoring.Scorer
	cache     *cache.Store[*QueryResult] // nil when caching is disabled
	filenames FilenameLookup
	history   HistoryRecorder
	observer  Observer
	logger    *slog.Logger
	limits    Limits
	genOpts   llm.GenerateOptions
	coalesce  bool
	group     singleflight.Group
	now       func() time.Time
}

// RAGServiceOption is a functional option for configuring RAGService.
type RAGServiceOption func(*RAGService)

// WithReranker replaces the default heuristic reranker.
func WithReranker(r reranker.Reranker) RAGServiceOption {
	return func(s *RAGService) {
		s.reranker = r
	}
}

// WithScorer replaces the default confidence scorer.
func WithScorer(sc *scoring.Scorer) RAGServiceOption {
	return func(s *RAGService) {
		s.scorer = sc
	}
}

// WithCache enables response caching.
func WithCache(c *cache.Store[*QueryResult]) RAGServiceOption {
	return func(s *RAGService) {
		s.cache = c
	}
}

// WithFilenameLookup sets the record store used when payloads lack a filename.
func WithFilenameLookup(l FilenameLookup) RAGServiceOption {
	return func(s *RAGService) {
		s.filenames = l
	}
}

// WithHistory records every answered query.
func WithHistory(h HistoryRecorder) RAGServiceOption {
	return func(s *RAGService) {
		s.history = h
	}
}

// WithObserver reports per-request outcomes, e.g. to metrics.
func WithObserver(o Observer) RAGServiceOption {
	return func(s *RAGService) {
		s.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RAGServiceOption {
	return func(s *RAGService) {
		s.logger = l
	}
}

// WithLimits sets request bounds.
func WithLimits(l Limits) RAGServiceOption {
	return func(s *RAGService) {
		s.limits = l
	}
}

// WithGenerateOptions sets the options passed to the generator.
func WithGenerateOptions(o llm.GenerateOptions) RAGServiceOption {
	return func(s *RAGService) {
		s.genOpts = o
	}
}

// WithCoalescing lets concurrent identical cache misses share one pipeline run.
func WithCoalescing(enabled bool) RAGServiceOption {
	return func(s *RAGService) {
		s.coalesce = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RAGServiceOption {
	return func(s *RAGService) {
		s.now = now
	}
}

// NewRAGService creates a new RAGService
func NewRAGService(
	embedder embedder.Embedder,
	vectorDB vectorstore.VectorStore,
	generator llm.Generator,
	opts ...RAGServiceOption,
) *RAGService {
	s := &RAGService{
		embedder:  embedder,
		vectorDB:  vectorDB,
		generator: generator,
		reranker:  reranker.NewHeuristicReranker(reranker.DefaultConfig()),
		scorer:    scoring.NewScorer(scoring.DefaultConfig()),
		logger:    slog.Default(),
		limits:    DefaultLimits(),
		genOpts:   llm.GenerateOptions{Temperature: llm.DefaultTemperature},
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Answer runs the question through cache lookup, retrieval, reranking,
// generation and scoring. Only request validation errors are returned as
// errors; collaborator failures produce a degraded result instead.
func (s *RAGService) Answer(ctx context.Context, req AnswerRequest) (*QueryResult, error) {
	start := s.now()

	req, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	if hit, ok := s.cacheGet(req); ok {
		hit.Cached = true
		hit.ResponseTime = s.elapsed(start)
		s.finish(ctx, req, hit, start)
		return hit, nil
	}

	res := s.compute(ctx, req, start)
	s.finish(ctx, req, res, start)
	return res, nil
}

// compute runs the pipeline, sharing one run between identical concurrent
// requests when coalescing is enabled. Shared results are copied per caller.
func (s *RAGService) compute(ctx context.Context, req AnswerRequest, start time.Time) *QueryResult {
	if !s.coalesce {
		return s.run(ctx, req, start)
	}
	key, err := cache.Key(req.Question, req.TopK, req.PaperIDs)
	if err != nil {
		return s.run(ctx, req, start)
	}

	// The shared run outlives any single caller, so it must not inherit the
	// first caller's cancellation. Each caller stops waiting on its own ctx.
	runCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.run(runCtx, req, start), nil
	})

	select {
	case r := <-ch:
		res := r.Val.(*QueryResult)
		if r.Shared {
			res = res.Clone()
			res.ResponseTime = s.elapsed(start)
		}
		return res
	case <-ctx.Done():
		return s.degraded(StageInternal, ctx.Err(), start)
	}
}

// run executes the uncached pipeline. Panics in any stage are converted into a
// degraded result.
func (s *RAGService) run(ctx context.Context, req AnswerRequest, start time.Time) (res *QueryResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pipeline panic", "panic", r, "question", req.Question)
			res = s.degraded(StageInternal, fmt.Errorf("%v", r), start)
		}
	}()

	vector, err := s.embedder.Embed(ctx, AugmentQuery(req.Question))
	if err != nil {
		return s.degraded(StageEmbed, err, start)
	}

	results, err := s.vectorDB.Search(ctx, vector, vectorstore.SearchOptions{
		Limit:    req.TopK * 2,
		PaperIDs: req.PaperIDs,
		MinScore: s.limits.MinScore,
	})
	if err != nil {
		return s.degraded(StageRetrieve, err, start)
	}

	if len(results) == 0 {
		return s.store(req, s.noResults(start))
	}

	ranked, err := s.reranker.Rerank(ctx, req.Question, results, req.TopK)
	if err != nil {
		return s.degraded(StageRerank, err, start)
	}
	if len(ranked) > req.TopK {
		ranked = ranked[:req.TopK]
	}
	if len(ranked) == 0 {
		return s.store(req, s.noResults(start))
	}

	resolver := &filenameResolver{
		lookup: s.filenames,
		cache:  make(map[int64]string),
		onErr: func(paperID int64, err error) {
			s.logger.Debug("filename lookup failed", "paper_id", paperID, "error", err)
		},
	}
	filenames := make([]string, len(ranked))
	for i, c := range ranked {
		filenames[i] = resolver.resolve(ctx, c)
	}

	contextText, citations := buildContext(ranked, filenames, s.limits.MaxContextChars)

	status := StatusOK
	var stageErr *StageError
	answer, err := s.generator.Generate(ctx, buildPrompt(contextText, req.Question), s.genOpts)
	if err != nil {
		s.logger.Warn("answer generation failed", "error", err)
		answer = generateErrorPrefix + err.Error()
		status = StatusDegraded
		stageErr = &StageError{Stage: StageGenerate, Message: err.Error()}
	}

	res = &QueryResult{
		Answer:       answer,
		Citations:    citations,
		SourcesUsed:  sourcesUsed(citations),
		Confidence:   s.scorer.Score(ranked),
		ResponseTime: s.elapsed(start),
		Status:       status,
		Error:        stageErr,
	}

	if status == StatusOK {
		return s.store(req, res)
	}
	return res
}

func (s *RAGService) validate(req AnswerRequest) (AnswerRequest, error) {
	req.Question = strings.TrimSpace(req.Question)
	if utf8.RuneCountInString(req.Question) < s.limits.MinQuestionLength {
		return req, &ValidationError{
			Field:   "question",
			Message: fmt.Sprintf("must be at least %d characters", s.limits.MinQuestionLength),
		}
	}

	if req.TopK == 0 {
		req.TopK = s.limits.DefaultTopK
	}
	if req.TopK < s.limits.MinTopK || req.TopK > s.limits.MaxTopK {
		return req, &ValidationError{
			Field:   "top_k",
			Message: fmt.Sprintf("must be between %d and %d", s.limits.MinTopK, s.limits.MaxTopK),
		}
	}

	for _, id := range req.PaperIDs {
		if id <= 0 {
			return req, &ValidationError{Field: "paper_ids", Message: "ids must be positive"}
		}
	}
	req.PaperIDs = cache.NormalizePaperIDs(req.PaperIDs)

	return req, nil
}

func (s *RAGService) noResults(start time.Time) *QueryResult {
	return &QueryResult{
		Answer:       NoResultsAnswer,
		Citations:    []Citation{},
		SourcesUsed:  []string{},
		Confidence:   0,
		ResponseTime: s.elapsed(start),
		Status:       StatusNoResults,
	}
}

func (s *RAGService) degraded(stage string, err error, start time.Time) *QueryResult {
	s.logger.Error("query pipeline failed", "stage", stage, "error", err)
	return &QueryResult{
		Answer:       pipelineErrorPrefix + err.Error(),
		Citations:    []Citation{},
		SourcesUsed:  []string{},
		Confidence:   0,
		ResponseTime: s.elapsed(start),
		Status:       StatusDegraded,
		Error:        &StageError{Stage: stage, Message: err.Error()},
	}
}

// finish reports and records a result. Neither step can fail the request.
func (s *RAGService) finish(ctx context.Context, req AnswerRequest, res *QueryResult, start time.Time) {
	if s.observer != nil {
		s.observer.ObserveAnswer(res.Status, res.Cached, s.now().Sub(start))
	}
	if s.history != nil {
		if err := s.history.Record(ctx, req, res); err != nil {
			s.logger.Warn("failed to record query history", "error", err)
		}
	}
}

func (s *RAGService) elapsed(start time.Time) float64 {
	return scoring.Round3(s.now().Sub(start).Seconds())
}

// store caches res and returns it. Cache faults are logged and ignored.
func (s *RAGService) store(req AnswerRequest, res *QueryResult) *QueryResult {
	if s.cache == nil {
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("cache set failed", "panic", r)
		}
	}()
	if err := s.cache.Set(req.Question, req.TopK, req.PaperIDs, res.Clone()); err != nil {
		s.logger.Warn("cache set failed", "error", err)
	}
	return res
}

// cacheGet returns a private copy of the cached result. Cache faults count as misses.
func (s *RAGService) cacheGet(req AnswerRequest) (res *QueryResult, ok bool) {
	if s.cache == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("cache get failed", "panic", r)
			res, ok = nil, false
		}
	}()
	hit, found := s.cache.Get(req.Question, req.TopK, req.PaperIDs)
	if !found || hit == nil {
		return nil, false
	}
	return hit.Clone(), true
}

// ErrCacheDisabled is returned by cache administration when caching is off
var ErrCacheDisabled = errors.New("cache is disabled")

// CacheEnabled reports whether responses are cached
func (s *RAGService) CacheEnabled() bool {
	return s.cache != nil
}

// CacheStats returns cache usage statistics
func (s *RAGService) CacheStats() (cache.Stats, error) {
	if s.cache == nil {
		return cache.Stats{}, ErrCacheDisabled
	}
	return s.cache.Stats(), nil
}

// ClearCache drops every cached response and resets counters
func (s *RAGService) ClearCache() error {
	if s.cache == nil {
		return ErrCacheDisabled
	}
	s.cache.Clear()
	s.logger.Info("query cache cleared")
	return nil
}

// SweepCache removes expired cache entries and returns how many were removed
func (s *RAGService) SweepCache() (int, error) {
	if s.cache == nil {
		return 0, ErrCacheDisabled
	}
	return s.cache.CleanupExpired(), nil
}

// InvalidatePaper drops cached responses that may include the paper
func (s *RAGService) InvalidatePaper(paperID int64) int {
	if s.cache == nil {
		return 0
	}
	removed := s.cache.InvalidateByPaper(paperID)
	s.logger.Info("invalidated cached queries", "paper_id", paperID, "removed", removed)
	return removed
}
