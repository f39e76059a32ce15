// Package cache provides the in-memory query response cache.
//
// Entries are keyed by a digest of the normalized question, top_k and paper
// filter. Each entry expires after a fixed TTL; expired entries are treated as
// absent on read and removed lazily, or eagerly by CleanupExpired. When the
// store is full the least recently accessed entry is evicted.
//
// All operations, including the counter and recency updates made by Get, are
// serialized by a single mutex, so readers never observe a partially written
// entry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultTTL is the time-to-live applied when none is configured.
	DefaultTTL = time.Hour

	// DefaultMaxSize is the capacity applied when none is configured.
	DefaultMaxSize = 1000

	// topEntriesLimit bounds the number of entries reported by Stats.
	topEntriesLimit = 10

	// previewLength bounds the question preview reported by Stats, in runes.
	previewLength = 100
)

// ErrInvalidSize is returned when the store is created with a non-positive capacity.
var ErrInvalidSize = errors.New("cache size must be positive")

type entry[V any] struct {
	value        V
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	hitCount     int64

	question string
	topK     int
	paperIDs []int64 // normalized; nil means all documents
}

// Store is a TTL cache with least-recently-accessed eviction.
type Store[V any] struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, *entry[V]]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	logger  *slog.Logger

	hits      int64
	misses    int64
	evictions int64
}

type settings struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*settings)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// New creates a store holding at most maxSize entries, each living for ttl.
func New[V any](maxSize int, ttl time.Duration, opts ...Option) (*Store[V], error) {
	if maxSize <= 0 {
		return nil, ErrInvalidSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	cfg := settings{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	entries, err := simplelru.NewLRU[string, *entry[V]](maxSize, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}

	return &Store[V]{
		entries: entries,
		ttl:     ttl,
		maxSize: maxSize,
		now:     cfg.now,
		logger:  cfg.logger,
	}, nil
}

// Get returns the cached value for the query. An expired entry is removed and
// reported as a miss.
func (s *Store[V]) Get(question string, topK int, paperIDs []int64) (V, bool) {
	var zero V

	key, err := Key(question, topK, paperIDs)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.misses++
		return zero, false
	}

	if e, ok := s.entries.Peek(key); ok {
		now := s.now()
		if now.Before(e.expiresAt) {
			s.entries.Get(key) // bump recency
			s.hits++
			e.hitCount++
			e.lastAccessed = now
			return e.value, true
		}
		s.entries.Remove(key)
	}

	s.misses++
	return zero, false
}

// Set stores value for the query, evicting the least recently accessed entry
// when the store is full.
func (s *Store[V]) Set(question string, topK int, paperIDs []int64, value V) error {
	key, err := Key(question, topK, paperIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := &entry[V]{
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(s.ttl),
		question:     question,
		topK:         topK,
		paperIDs:     NormalizePaperIDs(paperIDs),
	}
	if s.entries.Add(key, e) {
		s.evictions++
	}
	return nil
}

// InvalidateByPaper removes every entry whose filter is empty (all documents)
// or contains paperID, and returns the number removed.
func (s *Store[V]) InvalidateByPaper(paperID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		if e.paperIDs == nil || slices.Contains(e.paperIDs, paperID) {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries and resets every counter.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Purge()
	s.hits = 0
	s.misses = 0
	s.evictions = 0
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (s *Store[V]) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) {
			s.entries.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// RunSweeper calls CleanupExpired every interval until ctx is cancelled.
func (s *Store[V]) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.CleanupExpired(); removed > 0 {
				s.logger.Debug("swept expired cache entries", "removed", removed)
			}
		}
	}
}

// EntryStats describes one cached query without exposing its cached value.
type EntryStats struct {
	Question   string    `json:"question"`
	HitCount   int64     `json:"hit_count"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// Stats is a point-in-time snapshot of cache usage.
type Stats struct {
	Size           int          `json:"cache_size"`
	MaxSize        int          `json:"max_size"`
	Hits           int64        `json:"total_hits"`
	Misses         int64        `json:"total_misses"`
	TotalRequests  int64        `json:"total_requests"`
	HitRatePercent float64      `json:"hit_rate_percent"`
	Evictions      int64        `json:"evictions"`
	TTLSeconds     int64        `json:"ttl_seconds"`
	TopQueries     []EntryStats `json:"top_cached_queries"`
}

// Stats returns counters and the most frequently hit entries.
func (s *Store[V]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	total := s.hits + s.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = math.Round(float64(s.hits)/float64(total)*100*100) / 100
	}

	entries := make([]EntryStats, 0, s.entries.Len())
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if !ok {
			continue
		}
		remaining := e.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		entries = append(entries, EntryStats{
			Question:   preview(e.question),
			HitCount:   e.hitCount,
			CreatedAt:  e.createdAt,
			TTLSeconds: int64(remaining / time.Second),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].HitCount > entries[j].HitCount
	})
	if len(entries) > topEntriesLimit {
		entries = entries[:topEntriesLimit]
	}

	return Stats{
		Size:           s.entries.Len(),
		MaxSize:        s.maxSize,
		Hits:           s.hits,
		Misses:         s.misses,
		TotalRequests:  total,
		HitRatePercent: hitRate,
		Evictions:      s.evictions,
		TTLSeconds:     int64(s.ttl / time.Second),
		TopQueries:     entries,
	}
}

func preview(question string) string {
	runes := []rune(question)
	if len(runes) <= previewLength {
		return question
	}
	return string(runes[:previewLength])
}
