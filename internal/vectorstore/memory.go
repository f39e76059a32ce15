package vectorstore

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"sync"
)

// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// MemoryStore is an exhaustive cosine-similarity index held in memory.
// It is meant for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryStore creates an empty in-memory index
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]Chunk)}
}

// Upsert inserts or replaces chunks by ID
func (s *MemoryStore) Upsert(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		c.Vector = slices.Clone(c.Vector)
		s.chunks[c.ID] = c
	}
	return nil
}

// Search scores every chunk against vector and returns the best matches.
// Ties keep ascending ID order so results are deterministic.
func (s *MemoryStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]SearchResult, 0, len(s.chunks))
	for _, c := range s.chunks {
		if len(opts.PaperIDs) > 0 && !slices.Contains(opts.PaperIDs, c.Payload.PaperID) {
			continue
		}
		if len(c.Vector) != len(vector) {
			return nil, ErrDimensionMismatch
		}
		score := cosine(vector, c.Vector)
		if score < opts.MinScore {
			continue
		}
		results = append(results, SearchResult{ID: c.ID, Score: score, Payload: c.Payload})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// DeleteByPaper removes every chunk of a paper
func (s *MemoryStore) DeleteByPaper(ctx context.Context, paperID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.chunks {
		if c.Payload.PaperID == paperID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// Len returns the number of stored chunks
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ VectorStore = (*MemoryStore)(nil)
