// Package scoring computes answer confidence from the final retrieval candidates.
package scoring

import (
	"math"

	"github.com/knoguchi/paperqa/internal/reranker"
)

// Config holds the confidence weights and calibration constants.
type Config struct {
	RelevanceWeight   float64
	ConsistencyWeight float64
	CoverageWeight    float64
	DiversityWeight   float64

	// TopN is the number of leading candidates considered.
	TopN int

	// SpreadCap is the score spread at which consistency reaches zero.
	SpreadCap float64

	// ConsistencyFallback is used when fewer than TopN candidates exist.
	ConsistencyFallback float64

	// CoverageTarget is the candidate count giving full coverage.
	CoverageTarget int

	// DiversityTarget is the number of distinct titles giving full diversity.
	DiversityTarget int
}

// DefaultConfig returns the default calibration.
func DefaultConfig() Config {
	return Config{
		RelevanceWeight:     0.6,
		ConsistencyWeight:   0.2,
		CoverageWeight:      0.1,
		DiversityWeight:     0.1,
		TopN:                3,
		SpreadCap:           0.3,
		ConsistencyFallback: 0.5,
		CoverageTarget:      3,
		DiversityTarget:     3,
	}
}

// Scorer computes calibrated confidence values.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer. Zero calibration constants fall back to defaults;
// weights are used as given.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.SpreadCap <= 0 {
		cfg.SpreadCap = def.SpreadCap
	}
	if cfg.CoverageTarget <= 0 {
		cfg.CoverageTarget = def.CoverageTarget
	}
	if cfg.DiversityTarget <= 0 {
		cfg.DiversityTarget = def.DiversityTarget
	}
	return &Scorer{cfg: cfg}
}

// Score returns a confidence in [0, 1] rounded to 3 decimals.
// It returns exactly 0 for no candidates.
func (s *Scorer) Score(candidates []reranker.ScoredResult) float64 {
	if len(candidates) == 0 {
		return 0
	}

	top := candidates
	if len(top) > s.cfg.TopN {
		top = top[:s.cfg.TopN]
	}

	sum := 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	titles := make(map[string]struct{}, len(top))
	for _, c := range top {
		score := float64(c.BoostedScore)
		sum += score
		lo = math.Min(lo, score)
		hi = math.Max(hi, score)
		titles[c.Payload.Title] = struct{}{}
	}

	relevance := sum / float64(len(top))

	consistency := s.cfg.ConsistencyFallback
	if len(top) >= s.cfg.TopN {
		consistency = 1 - math.Min(hi-lo, s.cfg.SpreadCap)/s.cfg.SpreadCap
	}

	coverage := math.Min(float64(len(candidates))/float64(s.cfg.CoverageTarget), 1)
	diversity := math.Min(float64(len(titles))/float64(s.cfg.DiversityTarget), 1)

	total := s.cfg.RelevanceWeight*relevance +
		s.cfg.ConsistencyWeight*consistency +
		s.cfg.CoverageWeight*coverage +
		s.cfg.DiversityWeight*diversity

	return Round3(clamp01(total))
}

// Round3 rounds v to 3 decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
