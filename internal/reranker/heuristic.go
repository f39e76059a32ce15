package reranker

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/knoguchi/paperqa/internal/vectorstore"
)

// UnknownSection is the section bucket for candidates without a section.
const UnknownSection = "Unknown"

// DefaultStopWords are dropped from the question before keyword matching.
var DefaultStopWords = []string{
	"a", "about", "an", "and", "are", "as", "at", "be", "by", "can", "do", "does",
	"for", "from", "how", "in", "is", "it", "of", "on", "or", "that", "the", "this",
	"to", "was", "were", "what", "when", "where", "which", "who", "why", "with",
}

// Config holds the tunables of the heuristic reranker.
type Config struct {
	FingerprintLength int     // runes of case-folded text compared for dedup
	BoostUnit         float64 // boost per keyword occurrence
	BoostCap          float64 // maximum total boost
	SectionCap        int     // maximum candidates admitted per section
	StopWords         []string
}

// DefaultConfig returns the default reranking tunables.
func DefaultConfig() Config {
	return Config{
		FingerprintLength: 100,
		BoostUnit:         0.05,
		BoostCap:          0.25,
		SectionCap:        3,
		StopWords:         DefaultStopWords,
	}
}

// HeuristicReranker implements dedup, keyword boost and section diversity.
type HeuristicReranker struct {
	cfg       Config
	stopWords map[string]struct{}
}

// NewHeuristicReranker creates a reranker. Non-positive lengths and caps fall back to defaults.
func NewHeuristicReranker(cfg Config) *HeuristicReranker {
	def := DefaultConfig()
	if cfg.FingerprintLength <= 0 {
		cfg.FingerprintLength = def.FingerprintLength
	}
	if cfg.SectionCap <= 0 {
		cfg.SectionCap = def.SectionCap
	}
	if cfg.StopWords == nil {
		cfg.StopWords = def.StopWords
	}

	stop := make(map[string]struct{}, len(cfg.StopWords))
	for _, w := range cfg.StopWords {
		stop[strings.ToLower(w)] = struct{}{}
	}

	return &HeuristicReranker{cfg: cfg, stopWords: stop}
}

// Rerank deduplicates, boosts, diversifies and truncates results.
func (r *HeuristicReranker) Rerank(ctx context.Context, query string, results []vectorstore.SearchResult, topK int) ([]ScoredResult, error) {
	if len(results) == 0 || topK <= 0 {
		return []ScoredResult{}, nil
	}

	unique := r.dedup(results)
	keywords := r.Keywords(query)

	scored := make([]ScoredResult, len(unique))
	for i, res := range unique {
		scored[i] = ScoredResult{
			SearchResult: res,
			BoostedScore: r.boost(res.Score, res.Payload.Text, keywords),
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].BoostedScore > scored[j].BoostedScore
	})

	out := make([]ScoredResult, 0, min(topK, len(scored)))
	perSection := make(map[string]int)
	for _, s := range scored {
		if len(out) == topK {
			break
		}
		section := s.Payload.Section
		if section == "" {
			section = UnknownSection
		}
		if perSection[section] >= r.cfg.SectionCap {
			continue
		}
		perSection[section]++
		out = append(out, s)
	}

	return out, nil
}

// dedup keeps the first candidate per fingerprint.
func (r *HeuristicReranker) dedup(results []vectorstore.SearchResult) []vectorstore.SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]vectorstore.SearchResult, 0, len(results))
	for _, res := range results {
		fp := Fingerprint(res.Payload.Text, r.cfg.FingerprintLength)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, res)
	}
	return out
}

func (r *HeuristicReranker) boost(score float32, text string, keywords []string) float32 {
	if len(keywords) == 0 {
		return score
	}
	lower := strings.ToLower(text)
	matches := 0
	for _, kw := range keywords {
		matches += strings.Count(lower, kw)
	}
	factor := math.Min(float64(matches)*r.cfg.BoostUnit, r.cfg.BoostCap)
	if factor < 0 {
		factor = 0
	}
	return float32(float64(score) * (1 + factor))
}

// Keywords returns the distinct lowercase words of query that are not stop words,
// in order of first appearance.
func (r *HeuristicReranker) Keywords(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	seen := make(map[string]struct{}, len(words))
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if _, stop := r.stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}
	return keywords
}

// Fingerprint returns the case-folded first n runes of text.
func Fingerprint(text string, n int) string {
	runes := []rune(strings.ToLower(text))
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

var _ Reranker = (*HeuristicReranker)(nil)
