package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/knoguchi/paperqa/internal/auth"
	"github.com/knoguchi/paperqa/internal/cache"
	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/knoguchi/paperqa/internal/service"
)

// Version is reported by the root endpoint
const Version = "1.0.0"

const maxBodyBytes = 1 << 20

// QueryService answers questions and administers the response cache
type QueryService interface {
	Answer(ctx context.Context, req service.AnswerRequest) (*service.QueryResult, error)
	CacheStats() (cache.Stats, error)
	ClearCache() error
	SweepCache() (int, error)
}

// PaperService manages paper records
type PaperService interface {
	ListPapers(ctx context.Context, pageSize, offset int) (*service.PaperPage, error)
	GetPaper(ctx context.Context, id int64) (*repository.Paper, error)
	DeletePaper(ctx context.Context, id int64) (*service.DeleteResult, error)
	MarkIngested(ctx context.Context, id int64) error
	Stats(ctx context.Context, id int64) (*service.PaperStats, error)
}

// HistoryService reports past queries
type HistoryService interface {
	List(ctx context.Context, limit, offset int) ([]*repository.QueryRecord, error)
	Popular(ctx context.Context, limit int) (*service.PopularTopics, error)
}

// API bundles the services exposed over HTTP
type API struct {
	Queries QueryService
	Papers  PaperService
	History HistoryService

	// Auth guards mutating endpoints. Nil leaves them open.
	Auth *auth.JWTManager

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// Ready reports whether backing stores are reachable.
	Ready func(context.Context) error

	Logger *slog.Logger
}

type apiHandler struct {
	API
	validate *validator.Validate
}

func newAPIHandler(api API) *apiHandler {
	if api.Logger == nil {
		api.Logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &apiHandler{API: api, validate: v}
}

func (h *apiHandler) routes(r chi.Router) {
	r.Get("/", h.root)

	r.Route("/api", func(r chi.Router) {
		admin := auth.RequireAdmin(h.Auth, h.Logger)

		r.Post("/query", h.query)

		r.Get("/papers", h.listPapers)
		r.Route("/papers/{id}", func(r chi.Router) {
			r.Get("/", h.getPaper)
			r.Get("/stats", h.paperStats)
			r.With(admin).Delete("/", h.deletePaper)
			r.With(admin).Post("/ingested", h.paperIngested)
		})

		r.Get("/queries/history", h.history)
		r.Get("/analytics/popular", h.popular)

		r.Get("/cache/stats", h.cacheStats)
		r.With(admin).Post("/cache/clear", h.clearCache)
		r.With(admin).Post("/cache/cleanup", h.cleanupCache)
	})
}

type queryRequest struct {
	Question string  `json:"question" validate:"required"`
	TopK     *int    `json:"top_k" validate:"omitempty,gte=1"`
	PaperIDs []int64 `json:"paper_ids" validate:"omitempty,dive,gt=0"`
}

type historyParams struct {
	Skip  int `json:"skip" validate:"gte=0"`
	Limit int `json:"limit" validate:"gte=1,lte=500"`
}

type popularParams struct {
	Limit int `json:"limit" validate:"gte=1,lte=100"`
}

type cacheStatsResponse struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

type cacheDisabledResponse struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *apiHandler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Research Paper Q&A API",
		"status":  "operational",
		"version": Version,
		"endpoints": map[string]string{
			"query":         "POST /api/query",
			"list_papers":   "GET /api/papers",
			"get_paper":     "GET /api/papers/{id}",
			"delete_paper":  "DELETE /api/papers/{id}",
			"paper_stats":   "GET /api/papers/{id}/stats",
			"query_history": "GET /api/queries/history",
			"analytics":     "GET /api/analytics/popular",
			"cache_stats":   "GET /api/cache/stats",
			"health":        "GET /healthz",
		},
	})
}

func (h *apiHandler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.check(req); err != nil {
		h.writeError(w, err)
		return
	}

	in := service.AnswerRequest{Question: req.Question, PaperIDs: req.PaperIDs}
	if req.TopK != nil {
		in.TopK = *req.TopK
	}

	res, err := h.Queries.Answer(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *apiHandler) listPapers(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}

	page, err := h.Papers.ListPapers(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *apiHandler) getPaper(w http.ResponseWriter, r *http.Request) {
	id, err := paperID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	paper, err := h.Papers.GetPaper(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paper)
}

func (h *apiHandler) deletePaper(w http.ResponseWriter, r *http.Request) {
	id, err := paperID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.Papers.DeletePaper(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "delete_paper", "paper_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":             fmt.Sprintf("Paper '%s' deleted successfully", res.Title),
		"paper_id":            res.PaperID,
		"invalidated_queries": res.InvalidatedQueries,
	})
}

func (h *apiHandler) paperIngested(w http.ResponseWriter, r *http.Request) {
	id, err := paperID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Papers.MarkIngested(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "paper_ingested", "paper_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"paper_id": id, "cache_cleared": true})
}

func (h *apiHandler) paperStats(w http.ResponseWriter, r *http.Request) {
	id, err := paperID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stats, err := h.Papers.Stats(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *apiHandler) history(w http.ResponseWriter, r *http.Request) {
	var p historyParams
	var err error
	if p.Skip, err = intParam(r, "skip", 0); err != nil {
		h.writeError(w, err)
		return
	}
	if p.Limit, err = intParam(r, "limit", 50); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.check(p); err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.History.List(r.Context(), p.Limit, p.Skip)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *apiHandler) popular(w http.ResponseWriter, r *http.Request) {
	var p popularParams
	var err error
	if p.Limit, err = intParam(r, "limit", 10); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.check(p); err != nil {
		h.writeError(w, err)
		return
	}

	topics, err := h.History.Popular(r.Context(), p.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (h *apiHandler) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queries.CacheStats()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cacheStatsResponse{Enabled: true, Stats: stats})
}

func (h *apiHandler) clearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.Queries.ClearCache(); err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "clear_cache")
	writeJSON(w, http.StatusOK, map[string]any{"message": "Cache cleared successfully", "enabled": true})
}

func (h *apiHandler) cleanupCache(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Queries.SweepCache()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.audit(r, "cleanup_cache", "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Removed %d expired entries", removed),
		"removed_count": removed,
		"enabled":       true,
	})
}

// audit logs a completed admin action with the token subject, if any.
func (h *apiHandler) audit(r *http.Request, action string, args ...any) {
	subject := "anonymous"
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.Logger.Info("admin action", append([]any{"action", action, "subject", subject}, args...)...)
}

// check runs struct validation and converts the first failure into a ValidationError.
func (h *apiHandler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field, _, _ := strings.Cut(fe.Field(), "[")
		return &service.ValidationError{Field: field, Message: validationMessage(fe)}
	}
	return err
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// writeError maps service errors onto HTTP status codes.
func (h *apiHandler) writeError(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Paper not found"})
	case errors.Is(err, service.ErrCacheDisabled):
		writeJSON(w, http.StatusOK, cacheDisabledResponse{Enabled: false, Message: "Cache is disabled"})
	default:
		h.Logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &service.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func paperID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &service.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &service.ValidationError{Field: name, Message: "must be an integer"}
	}
	return v, nil
}
