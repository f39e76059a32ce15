package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/knoguchi/paperqa/internal/repository"
)

// analyticsScanLimit caps how many past questions feed topic analytics.
const analyticsScanLimit = 10000

// topicStopWords are excluded from topic counts.
var topicStopWords = map[string]struct{}{
	"what": {}, "is": {}, "the": {}, "how": {}, "in": {}, "a": {},
	"an": {}, "of": {}, "to": {}, "and": {}, "for": {},
}

// TopicCount is a word and how many past questions used it
type TopicCount struct {
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// PopularTopics is the analytics summary over all past questions
type PopularTopics struct {
	Topics       []TopicCount `json:"popular_topics"`
	TotalQueries int          `json:"total_queries"`
}

// HistoryService records and reports past queries
type HistoryService struct {
	repo repository.QueryLogRepository
}

// NewHistoryService creates a new HistoryService
func NewHistoryService(repo repository.QueryLogRepository) *HistoryService {
	return &HistoryService{repo: repo}
}

// Record stores an answered query
func (h *HistoryService) Record(ctx context.Context, req AnswerRequest, res *QueryResult) error {
	citations, err := json.Marshal(res.Citations)
	if err != nil {
		return fmt.Errorf("failed to marshal citations: %w", err)
	}

	return h.repo.Create(ctx, &repository.QueryRecord{
		Question:     req.Question,
		Answer:       res.Answer,
		PaperIDs:     req.PaperIDs,
		TopK:         req.TopK,
		ResponseTime: res.ResponseTime,
		Confidence:   res.Confidence,
		SourcesUsed:  res.SourcesUsed,
		Citations:    citations,
		Cached:       res.Cached,
		Status:       string(res.Status),
	})
}

// List returns past queries, newest first
func (h *HistoryService) List(ctx context.Context, limit, offset int) ([]*repository.QueryRecord, error) {
	records, err := h.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	if records == nil {
		records = []*repository.QueryRecord{}
	}
	return records, nil
}

// Popular returns the most frequent topic words across past questions
func (h *HistoryService) Popular(ctx context.Context, limit int) (*PopularTopics, error) {
	total, err := h.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queries: %w", err)
	}
	questions, err := h.repo.Questions(ctx, nil, analyticsScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions: %w", err)
	}
	return &PopularTopics{
		Topics:       TopTopics(questions, limit),
		TotalQueries: total,
	}, nil
}

// TopTopics counts words longer than 3 characters, excluding stop words, and
// returns the limit most frequent. Ties are ordered alphabetically.
func TopTopics(questions []string, limit int) []TopicCount {
	freq := make(map[string]int)
	for _, q := range questions {
		for _, word := range strings.Fields(strings.ToLower(q)) {
			word = strings.TrimFunc(word, func(r rune) bool {
				return unicode.IsPunct(r) || unicode.IsSymbol(r)
			})
			if utf8.RuneCountInString(word) <= 3 {
				continue
			}
			if _, stop := topicStopWords[word]; stop {
				continue
			}
			freq[word]++
		}
	}

	topics := make([]TopicCount, 0, len(freq))
	for word, count := range freq {
		topics = append(topics, TopicCount{Topic: word, Count: count})
	}
	sort.Slice(topics, func(i, j int) bool {
		if topics[i].Count != topics[j].Count {
			return topics[i].Count > topics[j].Count
		}
		return topics[i].Topic < topics[j].Topic
	})

	if limit >= 0 && len(topics) > limit {
		topics = topics[:limit]
	}
	return topics
}

var _ HistoryRecorder = (*HistoryService)(nil)
