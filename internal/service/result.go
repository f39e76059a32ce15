package service

import (
	"fmt"
	"slices"
)

// Status classifies how a QueryResult was produced
type Status string

const (
	// StatusOK is a generated, grounded answer.
	StatusOK Status = "ok"

	// StatusNoResults means retrieval found nothing above the score floor.
	StatusNoResults Status = "no_results"

	// StatusDegraded means a pipeline stage failed and the answer explains the failure.
	StatusDegraded Status = "degraded"
)

// Pipeline stages reported in StageError
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageRerank   = "rerank"
	StageGenerate = "generate"
	StageInternal = "internal"
)

// Fixed answer texts
const (
	NoResultsAnswer     = "I couldn't find any relevant information in the papers to answer this question."
	generateErrorPrefix = "Error generating answer: "
	pipelineErrorPrefix = "An error occurred while processing your query: "
)

// StageError names the stage that degraded a result
type StageError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Citation links part of an answer to the chunk it came from
type Citation struct {
	PaperTitle      string  `json:"paper_title"`
	Filename        string  `json:"filename"`
	Section         string  `json:"section"`
	Page            int     `json:"page"`
	RelevanceScore  float64 `json:"relevance_score"`
	ChunkText       string  `json:"chunk_text"`
	ReferenceNumber int     `json:"reference_number"`
}

// QueryResult is the outcome of one Answer call
type QueryResult struct {
	Answer       string      `json:"answer"`
	Citations    []Citation  `json:"citations"`
	SourcesUsed  []string    `json:"sources_used"`
	Confidence   float64     `json:"confidence"`
	ResponseTime float64     `json:"response_time"` // seconds
	Cached       bool        `json:"cached"`
	Status       Status      `json:"status"`
	Error        *StageError `json:"error,omitempty"`
}

// Clone returns a deep copy of r
func (r *QueryResult) Clone() *QueryResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Citations = slices.Clone(r.Citations)
	out.SourcesUsed = slices.Clone(r.SourcesUsed)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return &out
}

// AnswerRequest is a question over the paper collection
type AnswerRequest struct {
	Question string
	TopK     int     // 0 selects the configured default
	PaperIDs []int64 // empty means all papers
}

// ValidationError reports a malformed request
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
