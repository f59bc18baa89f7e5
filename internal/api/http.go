package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ragstarter/internal/evaluation"
	"github.com/kalambet/ragstarter/internal/index"
	"github.com/kalambet/ragstarter/internal/query"
)

const maxRequestBodySize = 1 << 20 // 1MB

// NewHTTPHandler returns the JSON API over deps.
func NewHTTPHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token))
		r.Get("/stats", handleStats(deps))
		r.Get("/documents", handleDocuments(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/search", handleSearch(deps))
		if deps.Evaluator != nil {
			r.Post("/evaluate", handleEvaluate(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Index.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "index_error", "reading stats: %v", err)
			return
		}
		writeJSON(w, newStatsView(st))
	}
}

func handleDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Index.Documents(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "index_error", "listing documents: %v", err)
			return
		}
		if docs == nil {
			docs = []index.DocumentInfo{}
		}
		writeJSON(w, docs)
	}
}

type questionRequest struct {
	Question string `json:"question"`
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req questionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		resp, err := deps.Answers.Query(r.Context(), req.Question)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "query failed: %v", err)
			return
		}
		if resp.Sources == nil {
			resp.Sources = []query.Source{}
		}
		writeJSON(w, resp)
	}
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		results, err := deps.Index.Query(r.Context(), req.Query, clampLimit(req.Limit))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if results == nil {
			results = []index.Result{}
		}
		writeJSON(w, results)
	}
}

func handleEvaluate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req questionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		view, err := evaluate(r.Context(), deps, req.Question)
		switch {
		case errors.Is(err, evaluation.ErrMalformedEvaluation), errors.Is(err, evaluation.ErrInvalidRecord):
			httpError(w, http.StatusUnprocessableEntity, "evaluation_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusBadGateway, "api_error", "evaluation failed: %v", err)
			return
		}
		slog.Debug("evaluated question", "passing", view.Passing, "score", view.Record.Score)
		writeJSON(w, view)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
