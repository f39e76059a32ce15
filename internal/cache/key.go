package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// keyData is the canonical structure hashed into a cache key.
// A nil PaperIDs marshals to null and means "all documents". Ids are strings
// because canonical JSON numbers are doubles and lose precision above 2^53.
type keyData struct {
	Question string   `json:"question"`
	TopK     int      `json:"top_k"`
	PaperIDs []string `json:"paper_ids"`
}

// NormalizeQuestion lower-cases the question and collapses all whitespace runs
// into single spaces.
func NormalizeQuestion(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// NormalizePaperIDs returns the filter sorted ascending without duplicates.
// An empty or nil filter normalizes to nil.
func NormalizePaperIDs(paperIDs []int64) []int64 {
	if len(paperIDs) == 0 {
		return nil
	}
	ids := slices.Clone(paperIDs)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Key derives the cache key for a query. Requests that differ only in question
// casing, whitespace or filter order produce the same key.
func Key(question string, topK int, paperIDs []int64) (string, error) {
	raw, err := json.Marshal(keyData{
		Question: NormalizeQuestion(question),
		TopK:     topK,
		PaperIDs: idStrings(NormalizePaperIDs(paperIDs)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize cache key: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func idStrings(ids []int64) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatInt(id, 10)
	}
	return out
}
