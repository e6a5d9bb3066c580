package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/review-scrape-orchestrator/internal/scrape"
)

const maxBodyBytes = 1 << 20

// Submitter starts scraping attempts.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResponse, error)
}

// StatusReader looks up attempt metadata.
type StatusReader interface {
	Get(ctx context.Context, attemptID string) (map[string]any, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// RequestTimeout bounds a whole request, including a synchronous run. Zero disables it.
	RequestTimeout time.Duration
	// Ready is consulted by /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the orchestrator and status reporter.
type Server struct {
	router    chi.Router
	submitter Submitter
	status    StatusReader
	ready     func(ctx context.Context) error
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(submitter Submitter, status StatusReader, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		status:    status,
		ready:     cfg.Ready,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(corsMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	if cfg.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/", s.submit)
	r.Post("/scrape", s.submit)
	r.Get("/scraping-status/{id}", s.getStatus)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server or a Lambda adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	PlaceIDs           []string        `json:"placeIds"`
	MaxReviews         *int            `json:"maxReviews"`
	ReviewsStartDate   *string         `json:"reviewsStartDate"`
	ScrapingMetadataID *string         `json:"scraping_metadata_id"`
	ReturnImmediately  *bool           `json:"returnImmediately"`
	UserProfileID      json.RawMessage `json:"user_profile_id"`
}

type acceptedResponse struct {
	Message           string `json:"message"`
	ScrapingAttemptID string `json:"scrapingAttemptId"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScrapeRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body", err.Error())
		return
	}
	userProfileID, err := profileID(req.UserProfileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	submit := orchestrator.SubmitRequest{
		PlaceIDs:      req.PlaceIDs,
		UserProfileID: userProfileID,
		Defer:         req.ReturnImmediately == nil || *req.ReturnImmediately,
	}
	if req.MaxReviews != nil {
		submit.MaxReviews = *req.MaxReviews
	}
	if req.ReviewsStartDate != nil {
		submit.ReviewsStartDate = *req.ReviewsStartDate
	}
	if req.ScrapingMetadataID != nil {
		submit.AttemptID = *req.ScrapingMetadataID
	}

	// A synchronous run must not be aborted by the client going away.
	resp, err := s.submitter.Submit(context.WithoutCancel(r.Context()), submit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if resp.Accepted {
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			Message:           "Scraping initiated successfully",
			ScrapingAttemptID: resp.AttemptID,
			Status:            string(scrape.StatusInProgress),
			EstimatedDuration: "10-15 minutes",
		})
		return
	}
	writeJSON(w, http.StatusOK, resp.Result)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "id")
	row, err := s.status.Get(r.Context(), attemptID)
	if err != nil {
		var upstream scrape.UpstreamError
		switch {
		case errors.Is(err, scrape.ErrNotFound):
			writeError(w, http.StatusNotFound, "Scraping attempt not found", "")
		case errors.As(err, &upstream):
			writeError(w, http.StatusInternalServerError, "Failed to check status", upstream.Err.Error())
		default:
			s.writeFailure(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// writeFailure maps the error taxonomy onto HTTP responses.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		validation scrape.ValidationError
		config     scrape.ConfigurationError
		upstream   scrape.UpstreamJobError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Msg, "")
	case errors.As(err, &config):
		writeError(w, http.StatusInternalServerError, config.Msg, "")
	case errors.As(err, &upstream):
		writeError(w, http.StatusInternalServerError, "Scraping job failed", upstream.Error())
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}

func decodeScrapeRequest(body io.Reader) (scrapeRequest, error) {
	var req scrapeRequest
	if body == nil {
		return req, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return req, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, err
	}
	return req, nil
}

// profileID accepts a JSON string or number. Absent, null, empty and zero
// values yield "" so the orchestrator reports the field as missing.
func profileID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", errors.New("user_profile_id must be a string or number")
	}
	if f, err := n.Float64(); err == nil && f == 0 {
		return "", nil
	}
	return strings.TrimSpace(n.String()), nil
}
