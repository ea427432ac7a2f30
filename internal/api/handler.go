// Package api serves the question answering service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/catalograg/internal/ai"
	"github.com/seanblong/catalograg/internal/rag"
	"github.com/seanblong/catalograg/pkg/models"
)

const (
	maxBodyBytes = 64 << 10

	DefaultQueryTimeout = 60 * time.Second
	catalogTimeout      = 5 * time.Second

	msgNotConfigured = "AI question answering is not configured"
	msgQueryFailed   = "Failed to process query. Please try again."
)

// Querier answers catalog questions.
type Querier interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.RagResponse, error)
	Configured() bool
}

// Catalog is the read-only store surface behind the listing and health routes.
type Catalog interface {
	GetCategories(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type HealthResponse struct {
	Status            string `json:"status"`
	QuestionAnswering string `json:"questionAnswering"`
}

type Server struct {
	svc          Querier
	catalog      Catalog
	QueryTimeout time.Duration
}

func NewServer(svc Querier, catalog Catalog) *Server {
	return &Server{svc: svc, catalog: catalog, QueryTimeout: DefaultQueryTimeout}
}

// Routes registers the endpoints on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rag/query", s.handleQuery)
	mux.HandleFunc("GET /categories", s.handleCategories)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Handler wraps the routes with request logging.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	return hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("http")
			})(s.Routes()),
		),
	)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := hlog.FromRequest(r)

	req, err := decodeQuery(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rag.ValidateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.QueryTimeout)
	defer cancel()

	resp, err := s.svc.Query(ctx, req)
	if err != nil {
		if errors.Is(r.Context().Err(), context.Canceled) {
			logger.Debug().Err(err).Msg("client went away")
			return
		}
		status, msg := statusFor(err)
		logger.Error().Err(err).Int("status", status).Msg("rag query failed")
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, resp)
	logger.Info().
		Int("sources", len(resp.Sources)).
		Str("category", req.CategoryFilter()).
		Dur("dur", time.Since(start)).
		Msg("served")
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	cats, err := s.catalog.GetCategories(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("listing categories failed")
		writeError(w, http.StatusInternalServerError, "Failed to list categories")
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, cats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), catalogTimeout)
	defer cancel()

	if err := s.catalog.Ping(ctx); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("store ping failed")
		writeError(w, http.StatusServiceUnavailable, "catalog store unavailable")
		return
	}
	qa := "disabled"
	if s.svc.Configured() {
		qa = "enabled"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", QuestionAnswering: qa})
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (models.QueryRequest, error) {
	var req models.QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body is required")
		}
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return req, errors.New("invalid request body: unexpected data after JSON object")
	}
	return req, nil
}

// statusFor maps a query error onto the HTTP status and the message shown to
// the caller. Causes are never exposed.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, rag.ErrInvalidQuery):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, rag.ErrServiceNotConfigured), errors.Is(err, ai.ErrNotConfigured):
		return http.StatusServiceUnavailable, msgNotConfigured
	case errors.Is(err, ai.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgQueryFailed
	default:
		return http.StatusInternalServerError, msgQueryFailed
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{StatusCode: status, Message: msg})
}
