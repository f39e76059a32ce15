package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/knoguchi/paperqa/internal/reranker"
	"github.com/knoguchi/paperqa/internal/scoring"
)

const (
	domainQualifier   = "in research papers"
	methodTerms       = "methodology approach technique"
	resultTerms       = "findings evaluation performance"
	definitionTerms   = "definition explanation overview"
	unknownValue      = "Unknown"
	truncationMarker  = "\n[... context truncated ...]"
	citationTextLimit = 200
)

const promptTemplate = `You are a helpful research assistant. Answer the question based ONLY on the provided context from research papers.

Context from research papers:
%s

Question: %s

Instructions:
- Answer concisely and accurately based on the context
- Cite sources with their reference numbers, e.g. [1], [2]
- Reference specific papers or sections when possible
- If the context doesn't contain enough information, say so
- Do not make up information outside the provided context
- Use technical language appropriate for researchers

Answer:`

// AugmentQuery expands a question with domain terms before embedding.
func AugmentQuery(question string) string {
	lower := strings.ToLower(question)
	parts := []string{question, domainQualifier}
	if strings.Contains(lower, "method") {
		parts = append(parts, methodTerms)
	}
	if strings.Contains(lower, "result") {
		parts = append(parts, resultTerms)
	}
	if strings.Contains(lower, "what is") {
		parts = append(parts, definitionTerms)
	}
	return strings.Join(parts, " ")
}

// filenameResolver resolves chunk filenames, falling back to the record store
// and memoizing lookups for the duration of one request.
type filenameResolver struct {
	lookup FilenameLookup
	cache  map[int64]string
	onErr  func(paperID int64, err error)
}

func (f *filenameResolver) resolve(ctx context.Context, c reranker.ScoredResult) string {
	if c.Payload.Filename != "" {
		return c.Payload.Filename
	}
	if f.lookup == nil || c.Payload.PaperID == 0 {
		return unknownValue
	}
	if name, ok := f.cache[c.Payload.PaperID]; ok {
		return name
	}
	name, err := f.lookup.Filename(ctx, c.Payload.PaperID)
	if err != nil || name == "" {
		if err != nil && f.onErr != nil {
			f.onErr(c.Payload.PaperID, err)
		}
		name = unknownValue
	}
	f.cache[c.Payload.PaperID] = name
	return name
}

// buildContext renders candidates as numbered blocks and the matching citations.
// The rendered context is cut to maxChars runes.
func buildContext(candidates []reranker.ScoredResult, filenames []string, maxChars int) (string, []Citation) {
	var sb strings.Builder
	citations := make([]Citation, len(candidates))

	for i, c := range candidates {
		title := orUnknown(c.Payload.Title)
		section := orUnknown(c.Payload.Section)

		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[%d] Title: %s\nFile: %s | Page: %d | Section: %s\n%s",
			i+1, title, filenames[i], c.Payload.Page, section, c.Payload.Text)

		citations[i] = Citation{
			PaperTitle:      title,
			Filename:        filenames[i],
			Section:         section,
			Page:            c.Payload.Page,
			RelevanceScore:  scoring.Round3(math.Max(0, math.Min(1, float64(c.BoostedScore)))),
			ChunkText:       truncateText(c.Payload.Text, citationTextLimit),
			ReferenceNumber: i + 1,
		}
	}

	text := sb.String()
	if maxChars > 0 {
		if runes := []rune(text); len(runes) > maxChars {
			text = string(runes[:maxChars]) + truncationMarker
		}
	}
	return text, citations
}

func buildPrompt(contextText, question string) string {
	return fmt.Sprintf(promptTemplate, contextText, question)
}

// sourcesUsed returns the distinct citation titles in citation order.
func sourcesUsed(citations []Citation) []string {
	seen := make(map[string]struct{}, len(citations))
	sources := make([]string, 0, len(citations))
	for _, c := range citations {
		if _, ok := seen[c.PaperTitle]; ok {
			continue
		}
		seen[c.PaperTitle] = struct{}{}
		sources = append(sources, c.PaperTitle)
	}
	return sources
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknownValue
	}
	return s
}
