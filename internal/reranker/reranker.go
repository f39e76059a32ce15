// Package reranker refines vector search results before they are used as context.
//
// The heuristic reranker applies four passes over score-ordered candidates:
//
//   - Dedup: candidates whose case-folded text prefix (the fingerprint) matches an
//     earlier candidate are dropped.
//   - Boost: each literal occurrence of a question keyword in the chunk text raises
//     the score multiplicatively, up to a cap, so keyword overlap cannot override a
//     poor semantic match.
//   - Diversity: at most SectionCap candidates are admitted per paper section.
//   - Truncation to topK.
//
// # Trade-offs
//
// The diversity cap trades raw rank for topical spread. A high-scoring candidate
// from an over-represented section can be dropped in favor of a lower-scoring one
// from another section.
package reranker

import (
	"context"

	"github.com/knoguchi/paperqa/internal/vectorstore"
)

// ScoredResult represents a search result with its keyword-boosted score.
// BoostedScore is never below the raw Score.
type ScoredResult struct {
	vectorstore.SearchResult
	BoostedScore float32
}

// Reranker defines the interface for re-ranking search results.
type Reranker interface {
	// Rerank takes a query and search results sorted by descending score, and
	// returns them re-ordered with updated scores. The topK parameter limits the output.
	Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error)
}
